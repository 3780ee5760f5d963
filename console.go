/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const helpText = `commands:
  /room <id>    select a room
  /join [id]    join the selected room, or select and join id
  /rooms        list rooms on the server
  /send         resend the kept draft
  /invite       show a QR code for the current room
  /status       show the connection state
  /quit         leave
lines starting with // are sent with one slash removed
`

// Console wires stdin and stdout to a Session.
type Console struct {
	cfg      *Config
	endpoint Endpoint
	session  *Session
	list     *MessageList
	draft    *Draft
	composer *Composer
	client   *http.Client
	in       io.Reader
}

func newConsole(cfg *Config, in io.Reader, out io.Writer) *Console {
	c := &Console{
		cfg:      cfg,
		endpoint: newEndpoint(cfg),
		list:     newMessageList(out),
		draft:    &Draft{},
		client:   &http.Client{Timeout: timeout},
		in:       in,
	}

	c.session = newSession(cfg, c.endpoint, newIdentity(cfg), c)
	c.composer = newComposer(c.session, c.draft)

	return c
}

func (c *Console) Opened(room string) {
	log.Info().Str("room", room).Msg("Connected to WebSocket server")
}

func (c *Console) Received(msg InboundMessage) {
	c.list.Append(msg)
}

func (c *Console) Closed(room string) {
	log.Info().Str("room", room).Msg("Connection closed")
}

func (c *Console) Failed(err error) {
	if errors.Is(err, ErrMalformedMessage) {
		log.Warn().Err(err).Msg("dropped inbound frame")
		return
	}

	log.Error().Err(err).Msg("connection error")
}

// Run reads commands and messages until input ends or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer c.session.Close()

	switch {
	case !c.cfg.multiRoom:
		if err := c.session.Connect(ctx); err != nil {
			return err
		}
	case c.session.Selected() != "":
		// Reported through Failed; the user can /join again.
		_ = c.session.Join(ctx)
	default:
		c.list.Notice("no room selected, use /join <id>")
	}

	lines := make(chan string)

	// readErr is set before lines is closed.
	var readErr error

	go func() {
		defer close(lines)

		r := bufio.NewReader(c.in)
		for {
			line, err := r.ReadString('\n')
			if line != "" {
				select {
				case lines <- strings.TrimRight(line, "\r\n"):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr = fmt.Errorf("read input: %w", err)
				}
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return readErr
			}
			if c.handle(ctx, line) {
				return nil
			}
		}
	}
}

// handle processes one input line and reports whether to quit.
func (c *Console) handle(ctx context.Context, line string) bool {
	if text, ok := strings.CutPrefix(line, "//"); ok {
		c.draft.Set("/" + text)
		c.submit()

		return false
	}

	if !strings.HasPrefix(line, "/") {
		c.draft.Set(line)
		c.submit()

		return false
	}

	cmd, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "quit", "exit":
		return true
	case "room":
		c.selectRoom(arg)
	case "join":
		if arg != "" && !c.selectRoom(arg) {
			return false
		}
		if err := c.session.Join(ctx); err != nil {
			c.notify(err)
		}
	case "rooms":
		c.listRooms(ctx)
	case "send":
		c.submit()
	case "invite":
		c.invite()
	case "status":
		c.status()
	case "help":
		c.list.Print(helpText)
	default:
		c.list.Notice("unknown command /%s, try /help", cmd)
	}

	return false
}

func (c *Console) selectRoom(room string) bool {
	if room == "" {
		c.list.Notice("usage: /room <id>")
		return false
	}

	if err := c.session.Select(room); err != nil {
		c.notify(err)
		return false
	}

	c.list.Notice("selected room %s", room)

	return true
}

func (c *Console) submit() {
	err := c.composer.Submit()
	switch {
	case err == nil:
	case errors.Is(err, ErrNotConnected):
		c.list.Notice("not connected, draft kept (/send to retry)")
	default:
		log.Error().Err(err).Msg("send failed")
	}
}

// notify reports command errors. Connection errors were already logged by
// Failed.
func (c *Console) notify(err error) {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return
	}

	c.list.Notice("%v", err)
}

func (c *Console) status() {
	state := c.session.state()

	switch room := c.session.room(); {
	case state != stateOpen || room == "":
		c.list.Notice("%s", state)
	default:
		c.list.Notice("%s in room %s", state, room)
	}

	if c.cfg.multiRoom {
		if selected := c.session.Selected(); selected != "" {
			c.list.Notice("selected room %s", selected)
		}
	}
}

func (c *Console) listRooms(ctx context.Context) {
	rooms, err := fetchRooms(ctx, c.client, c.endpoint.RoomsURL())
	if err != nil {
		log.Error().Err(err).Msg("list rooms")
		return
	}

	if len(rooms) == 0 {
		c.list.Notice("no rooms")
		return
	}

	c.list.Notice("rooms: %s", strings.Join(rooms, ", "))
}

func (c *Console) invite() {
	room := ""
	if c.cfg.multiRoom {
		room = c.session.Selected()
		if room == "" {
			c.list.Notice("no room selected")
			return
		}
	}

	u := c.endpoint.URL(room)

	code, err := qrcode.New(u, qrcode.Medium)
	if err != nil {
		log.Error().Err(err).Msg("generate qr code")
		return
	}

	c.list.Print(code.ToSmallString(false))
	c.list.Notice("%s", u)
}

func fetchRooms(ctx context.Context, client *http.Client, url string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", url, resp.Status)
	}

	var rooms []string
	if err := json.NewDecoder(resp.Body).Decode(&rooms); err != nil {
		return nil, fmt.Errorf("decode rooms: %w", err)
	}

	return rooms, nil
}

/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	closeWait    = time.Second
	maxFrameSize = 1 << 20
)

// Handler receives connection events from a Session. Received and Failed may
// be called from a connection's reader goroutine.
type Handler interface {
	Opened(room string)
	Received(msg InboundMessage)
	Closed(room string)
	Failed(err error)
}

type connState int32

const (
	stateConnecting connState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

type connection struct {
	ws    *websocket.Conn
	url   string
	room  string
	state atomic.Int32
	once  sync.Once
}

func (c *connection) State() connState {
	return connState(c.state.Load())
}

// Session owns the one connection handle a client holds. In multi-room mode
// every Join replaces the handle; in single-room mode it is dialed once.
type Session struct {
	endpoint  Endpoint
	identity  Identity
	handler   Handler
	dialer    *websocket.Dialer
	multiRoom bool

	// joinMu serializes Connect, Join and Close.
	joinMu sync.Mutex

	// mu guards the fields below and writes to the held connection.
	mu       sync.Mutex
	conn     *connection
	selected string
	dialed   bool
	closed   bool

	readers sync.WaitGroup
}

func newSession(cfg *Config, endpoint Endpoint, identity Identity, handler Handler) *Session {
	return &Session{
		endpoint:  endpoint,
		identity:  identity,
		handler:   handler,
		multiRoom: cfg.multiRoom,
		selected:  cfg.room,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.handshakeTimeout,
		},
	}
}

// Select changes the selected room. It takes effect on the next Join; the
// roomId of outbound envelopes follows it immediately.
func (s *Session) Select(room string) error {
	if !s.multiRoom {
		return ErrSingleRoom
	}

	s.mu.Lock()
	s.selected = room
	s.mu.Unlock()

	return nil
}

func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selected
}

// room returns the room of the held connection, if any.
func (s *Session) room() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return ""
	}

	return s.conn.room
}

// state reports the state of the held connection. No handle reads as closed.
func (s *Session) state() connState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return stateClosed
	}

	return s.conn.State()
}

// Connect opens the single-room connection. In multi-room mode it joins the
// selected room.
func (s *Session) Connect(ctx context.Context) error {
	if s.multiRoom {
		return s.Join(ctx)
	}

	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.dialed:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	return s.open(ctx, "")
}

// Join closes the held connection, if any, and opens a new one for the
// selected room.
func (s *Session) Join(ctx context.Context) error {
	if !s.multiRoom {
		return ErrSingleRoom
	}

	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	room := s.selected
	if room == "" {
		s.mu.Unlock()
		return ErrNoRoomSelected
	}
	prev := s.conn
	s.conn = nil
	s.mu.Unlock()

	if prev != nil {
		s.release(prev)
	}

	return s.open(ctx, room)
}

// Send writes one envelope carrying text. Without an open handle it writes
// nothing and returns ErrNotConnected.
func (s *Session) Send(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.conn
	if c == nil || c.State() != stateOpen {
		return ErrNotConnected
	}

	env := OutboundMessage{
		Email:    s.identity.Email(),
		Username: s.identity.Username(),
		Message:  text,
	}
	if s.multiRoom {
		env.RoomID = s.selected
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &ConnectionError{URL: c.url, Err: err}
	}

	return nil
}

// Close releases the held connection and waits for its reader to exit.
// The session cannot be reused.
func (s *Session) Close() error {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.conn = nil
	s.mu.Unlock()

	if c != nil {
		s.release(c)
	}

	s.readers.Wait()

	return nil
}

func (s *Session) open(ctx context.Context, room string) error {
	c, err := s.dial(ctx, room)
	if err != nil {
		s.handler.Failed(err)
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.release(c)
		return ErrSessionClosed
	}
	s.conn = c
	s.dialed = true
	s.readers.Add(1)
	s.mu.Unlock()

	s.handler.Opened(room)

	go s.readLoop(c)

	return nil
}

func (s *Session) dial(ctx context.Context, room string) (*connection, error) {
	c := &connection{
		url:  s.endpoint.URL(room),
		room: room,
	}
	c.state.Store(int32(stateConnecting))

	ws, resp, err := s.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			err = fmt.Errorf("%w: %s", err, resp.Status)
		}
		return nil, &ConnectionError{URL: c.url, Err: err}
	}

	ws.SetReadLimit(maxFrameSize)

	c.ws = ws
	c.state.Store(int32(stateOpen))

	return c, nil
}

// release closes c without waiting for the peer and reports the close once.
func (s *Session) release(c *connection) {
	c.once.Do(func() {
		c.state.Store(int32(stateClosing))

		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		_ = c.ws.Close()

		c.state.Store(int32(stateClosed))

		s.handler.Closed(c.room)
	})
}

func (s *Session) readLoop(c *connection) {
	defer s.readers.Done()
	defer s.detach(c)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.State() == stateOpen && unexpectedClose(err) {
				s.handler.Failed(&ConnectionError{URL: c.url, Err: err})
			}
			return
		}

		msg, err := ParseInbound(data)
		if err != nil {
			s.handler.Failed(err)
			continue
		}

		s.handler.Received(msg)
	}
}

// detach drops c from the session if it is still the held handle.
func (s *Session) detach(c *connection) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.mu.Unlock()

	s.release(c)
}

func unexpectedClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return true
	}

	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

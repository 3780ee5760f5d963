// Chat rooms served over websockets.
//
// - Each room is its own hub, created on first use: /ws?id=<room>
// - Connections without an id land in the default room
// - With --rooms set, unknown rooms are refused before the upgrade
// - Every valid message is stamped with a uuid and sent to all members,
//   the sender included
// - Members that fall behind are dropped rather than blocking the room
// - Empty rooms are reaped after a configurable idle timeout

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"
)

const (
	maxUsernameLength = 20
	maxMessageLength  = 5000

	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 64
)

var (
	errEmptyUsername   = errors.New("empty username")
	errLongUsername    = errors.New("username too long")
	errEmptyMessage    = errors.New("message too short")
	errLongMessage     = errors.New("message too long")
	errRoomUnavailable = errors.New("room closed")
)

// Messages coming from clients
type incomingMessage struct {
	RoomID   string `json:"roomId,omitempty"` // ignored, the connection's room wins
	Email    string `json:"email,omitempty"`
	Username string `json:"username"`
	Message  string `json:"message"`
}

// Messages sent to room members
type RoomMessage struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

func newRoomMessage(roomID string, in incomingMessage) (RoomMessage, error) {
	switch {
	case in.Username == "":
		return RoomMessage{}, errEmptyUsername
	case len(in.Username) > maxUsernameLength:
		return RoomMessage{}, errLongUsername
	case in.Message == "":
		return RoomMessage{}, errEmptyMessage
	case len(in.Message) > maxMessageLength:
		return RoomMessage{}, errLongMessage
	}

	return RoomMessage{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Username:  in.Username,
		Message:   in.Message,
		CreatedAt: time.Now().UTC(),
	}, nil
}

type Member struct {
	conn *websocket.Conn
	send chan RoomMessage
	addr string
}

type Room struct {
	id      string
	members map[*Member]bool

	register  chan *Member
	unreg     chan *Member
	broadcast chan RoomMessage
	done      chan struct{}
	closeOnce sync.Once

	mu         sync.RWMutex
	lastActive time.Time
}

func newRoom(id string) *Room {
	return &Room{
		id:         id,
		members:    make(map[*Member]bool),
		register:   make(chan *Member),
		unreg:      make(chan *Member),
		broadcast:  make(chan RoomMessage),
		done:       make(chan struct{}),
		lastActive: time.Now(),
	}
}

func (r *Room) run() {
	for {
		select {
		case m := <-r.register:
			r.mu.Lock()
			r.lastActive = time.Now()
			r.members[m] = true
			r.mu.Unlock()

			log.Debug().Str("room", r.id).Str("addr", m.addr).Msg("member joined")

		case m := <-r.unreg:
			r.mu.Lock()
			r.lastActive = time.Now()
			if _, ok := r.members[m]; ok {
				delete(r.members, m)
				close(m.send)
			}
			r.mu.Unlock()

			log.Debug().Str("room", r.id).Str("addr", m.addr).Msg("member left")

		case msg := <-r.broadcast:
			r.mu.Lock()
			r.lastActive = time.Now()
			for m := range r.members {
				select {
				case m.send <- msg:
				default:
					log.Debug().Str("room", r.id).Str("addr", m.addr).Msg("dropping slow member")
					delete(r.members, m)
					close(m.send)
				}
			}
			r.mu.Unlock()

		case <-r.done:
			r.mu.Lock()
			for m := range r.members {
				close(m.send)
				delete(r.members, m)
			}
			r.mu.Unlock()

			return
		}
	}
}

func (r *Room) join(m *Member) error {
	select {
	case <-r.done:
		return errRoomUnavailable
	default:
	}

	select {
	case r.register <- m:
		return nil
	case <-r.done:
		return errRoomUnavailable
	}
}

func (r *Room) leave(m *Member) {
	select {
	case r.unreg <- m:
	case <-r.done:
	}
}

func (r *Room) publish(msg RoomMessage) {
	select {
	case r.broadcast <- msg:
	case <-r.done:
	}
}

func (r *Room) touch() {
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
}

func (r *Room) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.members)
}

func (r *Room) idleSince() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.lastActive
}

// close disconnects every member; their write pumps send the close frame.
func (r *Room) close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// RoomManager holds the live rooms keyed by id.
type RoomManager struct {
	mu          sync.Mutex
	rooms       map[string]*Room
	allowed     []string
	idleTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

func newRoomManager(allowed []string, idleTimeout time.Duration) *RoomManager {
	rm := &RoomManager{
		rooms:       make(map[string]*Room),
		allowed:     slices.Clone(allowed),
		idleTimeout: idleTimeout,
		stop:        make(chan struct{}),
	}
	if idleTimeout > 0 {
		go rm.reaperLoop()
	}
	return rm
}

func (rm *RoomManager) getRoom(id string) (*Room, error) {
	if len(rm.allowed) > 0 && !slices.Contains(rm.allowed, id) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	// Touched under rm.mu so the reaper cannot close a room between lookup
	// and join.
	if room, ok := rm.rooms[id]; ok {
		room.touch()
		return room, nil
	}

	room := newRoom(id)
	rm.rooms[id] = room
	go room.run()

	log.Debug().Str("room", id).Msg("room opened")

	return room, nil
}

// List returns the configured rooms, or the live ones when any room may be
// joined.
func (rm *RoomManager) List() []string {
	if len(rm.allowed) > 0 {
		return slices.Clone(rm.allowed)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	ids := make([]string, 0, len(rm.rooms))
	for id := range rm.rooms {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	return ids
}

// reap closes rooms that have no members and no traffic since cutoff.
func (rm *RoomManager) reap(cutoff time.Time) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	for id, room := range rm.rooms {
		if room.size() == 0 && room.idleSince().Before(cutoff) {
			delete(rm.rooms, id)
			room.close()

			log.Debug().Str("room", id).Msg("room reaped")
		}
	}
}

func (rm *RoomManager) reaperLoop() {
	ticker := time.NewTicker(rm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rm.reap(time.Now().Add(-rm.idleTimeout))
		case <-rm.stop:
			return
		}
	}
}

// Close shuts down every room and stops the reaper.
func (rm *RoomManager) Close() {
	rm.stopOnce.Do(func() { close(rm.stop) })

	rm.mu.Lock()
	defer rm.mu.Unlock()

	for id, room := range rm.rooms {
		delete(rm.rooms, id)
		room.close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		roomID := r.URL.Query().Get("id")
		if roomID == "" {
			roomID = cfg.defaultRoom
		}

		room, err := rm.getRoom(roomID)
		if err != nil {
			http.Error(w, "room not found", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug().Err(err).Str("addr", realIP(r)).Msg("upgrade websocket")
			return
		}

		m := &Member{
			conn: conn,
			send: make(chan RoomMessage, sendBufferSize),
			addr: realIP(r),
		}

		// A room reaped after the lookup is replaced by a fresh one.
		err = room.join(m)
		if errors.Is(err, errRoomUnavailable) {
			if room, err = rm.getRoom(roomID); err == nil {
				err = room.join(m)
			}
		}
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		go m.writePump()
		m.readPump(room)
	}
}

func (m *Member) readPump(room *Room) {
	defer func() {
		room.leave(m)
		_ = m.conn.Close()
	}()

	m.conn.SetReadLimit(maxFrameSize)
	_ = m.conn.SetReadDeadline(time.Now().Add(pongWait))
	m.conn.SetPongHandler(func(string) error {
		return m.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			return
		}

		var in incomingMessage
		if err := json.Unmarshal(data, &in); err != nil {
			log.Debug().Err(err).Str("room", room.id).Str("addr", m.addr).Msg("malformed message")
			return
		}

		msg, err := newRoomMessage(room.id, in)
		if err != nil {
			log.Debug().Err(err).Str("room", room.id).Str("addr", m.addr).Msg("rejected message")
			continue
		}

		room.publish(msg)
	}
}

func (m *Member) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = m.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-m.send:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = m.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := m.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := m.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func serveRoomList(cfg *Config, rm *RoomManager, errs chan<- error) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		securityHeaders(cfg, w)

		if err := json.NewEncoder(w).Encode(rm.List()); err != nil {
			errs <- err
		}
	}
}

// serveRoomQR returns a PNG QR code for the room's websocket URL.
func serveRoomQR(cfg *Config, rm *RoomManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		roomID := ps.ByName("room")
		if len(rm.allowed) > 0 && !slices.Contains(rm.allowed, roomID) {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}

		scheme := "ws"
		if r.TLS != nil {
			scheme = "wss"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" {
			scheme = "wss"
		}

		target := scheme + "://" + r.Host + cfg.prefix + "/ws?" + url.Values{"id": {roomID}}.Encode()

		const qrSize = 320
		png, err := qrcode.Encode(target, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

func registerRooms(cfg *Config, rm *RoomManager, mux *httprouter.Router, errs chan<- error) {
	mux.GET(cfg.prefix+"/ws", serveWS(cfg, rm))
	mux.GET(cfg.prefix+"/rooms", serveRoomList(cfg, rm, errs))
	mux.GET(cfg.prefix+"/rooms/:room/qr", serveRoomQR(cfg, rm))
}

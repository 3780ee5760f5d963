package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testWait = 5 * time.Second

type event struct {
	kind string // open, message, close, error
	room string
	msg  InboundMessage
	err  error
}

// recorder is a Handler that renders messages and reports every event.
type recorder struct {
	list   *MessageList
	events chan event
}

func newRecorder() *recorder {
	return &recorder{
		list:   newMessageList(io.Discard),
		events: make(chan event, 64),
	}
}

func (r *recorder) Opened(room string) { r.events <- event{kind: "open", room: room} }

func (r *recorder) Received(msg InboundMessage) {
	r.list.Append(msg)
	r.events <- event{kind: "message", msg: msg}
}

func (r *recorder) Closed(room string) { r.events <- event{kind: "close", room: room} }

func (r *recorder) Failed(err error) { r.events <- event{kind: "error", err: err} }

func (r *recorder) next(t *testing.T) event {
	t.Helper()

	select {
	case ev := <-r.events:
		return ev
	case <-time.After(testWait):
		t.Fatal("timed out waiting for session event")
		return event{}
	}
}

func (r *recorder) expect(t *testing.T, kind, room string) event {
	t.Helper()

	ev := r.next(t)
	if ev.kind != kind || (room != "" && ev.room != room) {
		t.Fatalf("got event %s(%q) err=%v, want %s(%q)", ev.kind, ev.room, ev.err, kind, room)
	}
	return ev
}

// frameServer accepts websocket connections and records what it reads.
type frameServer struct {
	*httptest.Server
	frames chan string
	conns  chan *websocket.Conn
	closed chan string
}

func newFrameServer(t *testing.T) *frameServer {
	t.Helper()

	fs := &frameServer{
		frames: make(chan string, 64),
		conns:  make(chan *websocket.Conn, 64),
		closed: make(chan string, 64),
	}

	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		room := r.URL.Query().Get("id")

		fs.conns <- conn

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				fs.closed <- room
				return
			}
			fs.frames <- string(data)
		}
	}))
	t.Cleanup(fs.Close)

	return fs
}

func (fs *frameServer) nextFrame(t *testing.T) string {
	t.Helper()

	select {
	case f := <-fs.frames:
		return f
	case <-time.After(testWait):
		t.Fatal("timed out waiting for frame")
		return ""
	}
}

func (fs *frameServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()

	select {
	case c := <-fs.conns:
		return c
	case <-time.After(testWait):
		t.Fatal("timed out waiting for connection")
		return nil
	}
}

func testEndpoint(srv *httptest.Server) Endpoint {
	return Endpoint{Host: strings.TrimPrefix(srv.URL, "http://"), Path: "/ws"}
}

func testIdentity() Identity {
	return staticIdentity{email: "test@example.com", username: "user1"}
}

func newTestSession(t *testing.T, srv *httptest.Server, multiRoom bool, h Handler) *Session {
	t.Helper()

	cfg := &Config{multiRoom: multiRoom, handshakeTimeout: testWait}
	s := newSession(cfg, testEndpoint(srv), testIdentity(), h)
	t.Cleanup(func() { _ = s.Close() })

	return s
}

func join(t *testing.T, s *Session, room string) {
	t.Helper()

	if err := s.Select(room); err != nil {
		t.Fatal(err)
	}
	if err := s.Join(context.Background()); err != nil {
		t.Fatalf("Join(%q): %v", room, err)
	}
}

func TestSendWithoutHandleIsNoop(t *testing.T) {
	fs := newFrameServer(t)
	rec := newRecorder()
	s := newTestSession(t, fs.Server, true, rec)

	draft := &Draft{}
	draft.Set("hello")

	if err := newComposer(s, draft).Submit(); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Submit() = %v, want ErrNotConnected", err)
	}
	if draft.Value() != "hello" {
		t.Errorf("draft = %q, want unchanged", draft.Value())
	}
	if s.state() != stateClosed {
		t.Errorf("state = %s, want closed", s.state())
	}
}

func TestSendWritesOneEnvelope(t *testing.T) {
	fs := newFrameServer(t)
	rec := newRecorder()
	s := newTestSession(t, fs.Server, true, rec)

	join(t, s, "42")
	rec.expect(t, "open", "42")

	draft := &Draft{}
	draft.Set("hello")

	if err := newComposer(s, draft).Submit(); err != nil {
		t.Fatal(err)
	}
	if draft.Value() != "" {
		t.Errorf("draft = %q after send, want empty", draft.Value())
	}

	want := `{"roomId":"42","email":"test@example.com","username":"user1","message":"hello"}`
	if got := fs.nextFrame(t); got != want {
		t.Errorf("frame = %s, want %s", got, want)
	}

	select {
	case extra := <-fs.frames:
		t.Errorf("unexpected second frame %s", extra)
	default:
	}
}

func TestSendUsesSelectedRoom(t *testing.T) {
	fs := newFrameServer(t)
	rec := newRecorder()
	s := newTestSession(t, fs.Server, true, rec)

	join(t, s, "1")
	rec.expect(t, "open", "1")

	if err := s.Select("2"); err != nil {
		t.Fatal(err)
	}
	if err := s.Send("hi"); err != nil {
		t.Fatal(err)
	}

	want := `{"roomId":"2","email":"test@example.com","username":"user1","message":"hi"}`
	if got := fs.nextFrame(t); got != want {
		t.Errorf("frame = %s, want %s", got, want)
	}
	if s.room() != "1" {
		t.Errorf("connected room = %q, want 1", s.room())
	}
}

func TestSingleRoomSession(t *testing.T) {
	fs := newFrameServer(t)
	rec := newRecorder()
	s := newTestSession(t, fs.Server, false, rec)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec.expect(t, "open", "")

	if err := s.Connect(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second Connect() = %v, want ErrAlreadyConnected", err)
	}
	if err := s.Join(context.Background()); !errors.Is(err, ErrSingleRoom) {
		t.Errorf("Join() = %v, want ErrSingleRoom", err)
	}
	if err := s.Select("1"); !errors.Is(err, ErrSingleRoom) {
		t.Errorf("Select() = %v, want ErrSingleRoom", err)
	}

	if err := s.Send(""); err != nil {
		t.Fatal(err)
	}

	want := `{"email":"test@example.com","username":"user1","message":""}`
	if got := fs.nextFrame(t); got != want {
		t.Errorf("frame = %s, want %s", got, want)
	}
}

func TestJoinWithoutRoom(t *testing.T) {
	fs := newFrameServer(t)
	s := newTestSession(t, fs.Server, true, newRecorder())

	if err := s.Join(context.Background()); !errors.Is(err, ErrNoRoomSelected) {
		t.Errorf("Join() = %v, want ErrNoRoomSelected", err)
	}
}

func TestJoinClosesPreviousConnection(t *testing.T) {
	fs := newFrameServer(t)
	rec := newRecorder()
	s := newTestSession(t, fs.Server, true, rec)

	join(t, s, "1")
	join(t, s, "2")

	rec.expect(t, "open", "1")
	rec.expect(t, "close", "1")
	rec.expect(t, "open", "2")

	select {
	case room := <-fs.closed:
		if room != "1" {
			t.Errorf("server saw room %q close, want 1", room)
		}
	case <-time.After(testWait):
		t.Fatal("server never saw the room 1 connection close")
	}

	if s.state() != stateOpen || s.room() != "2" {
		t.Errorf("session holds room %q in state %s, want open room 2", s.room(), s.state())
	}

	select {
	case ev := <-rec.events:
		t.Errorf("unexpected event %s(%q)", ev.kind, ev.room)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReceiveRendersInArrivalOrder(t *testing.T) {
	fs := newFrameServer(t)
	rec := newRecorder()
	s := newTestSession(t, fs.Server, true, rec)

	join(t, s, "1")
	rec.expect(t, "open", "1")

	conn := fs.nextConn(t)
	for _, frame := range []string{
		`{"username":"alice","message":"hi"}`,
		`not json`,
		`{"roomId":"1","username":"bob","message":"hello"}`,
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatal(err)
		}
	}

	rec.expect(t, "message", "")
	if ev := rec.expect(t, "error", ""); !errors.Is(ev.err, ErrMalformedMessage) {
		t.Errorf("error = %v, want ErrMalformedMessage", ev.err)
	}
	rec.expect(t, "message", "")

	want := []string{"alice: hi", "bob: hello"}
	if got := rec.list.transcript(); !slices.Equal(got, want) {
		t.Errorf("entries = %q, want %q", got, want)
	}
}

func TestServerDropReportsConnectionError(t *testing.T) {
	fs := newFrameServer(t)
	rec := newRecorder()
	s := newTestSession(t, fs.Server, true, rec)

	join(t, s, "1")
	rec.expect(t, "open", "1")

	_ = fs.nextConn(t).Close()

	ev := rec.expect(t, "error", "")
	var connErr *ConnectionError
	if !errors.As(ev.err, &connErr) {
		t.Errorf("error = %v, want *ConnectionError", ev.err)
	}
	rec.expect(t, "close", "1")

	if s.state() != stateClosed {
		t.Errorf("state = %s, want closed", s.state())
	}
	if err := s.Send("late"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}
}

func TestDialFailureReportsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := testEndpoint(srv)
	srv.Close()

	rec := newRecorder()
	cfg := &Config{multiRoom: true, room: "1", handshakeTimeout: testWait}
	s := newSession(cfg, endpoint, testIdentity(), rec)
	defer s.Close()

	err := s.Join(context.Background())

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("Join() = %v, want *ConnectionError", err)
	}
	if rec.expect(t, "error", "").err != err {
		t.Error("handler was not told about the failed dial")
	}
	if s.state() != stateClosed {
		t.Errorf("state = %s, want closed", s.state())
	}
}

func TestClosedSessionRefusesJoin(t *testing.T) {
	fs := newFrameServer(t)
	rec := newRecorder()
	s := newTestSession(t, fs.Server, true, rec)

	join(t, s, "1")
	rec.expect(t, "open", "1")

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	rec.expect(t, "close", "1")

	if err := s.Join(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Join() after Close = %v, want ErrSessionClosed", err)
	}
}

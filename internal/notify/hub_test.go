package notify

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	"streamnode/internal/platform/logger"
)

var testHandshake = []byte("HTTP/1.1 101 Switching Protocols\r\n\r\n")

type session struct {
	conn net.Conn
	r    *bufio.Reader
	done chan error
}

// connect starts Serve on one end of a pipe and consumes the handshake on
// the other.
func connect(t *testing.T, h *Hub) *session {
	t.Helper()
	server, clientConn := net.Pipe()
	s := &session{conn: clientConn, r: bufio.NewReader(clientConn), done: make(chan error, 1)}
	go func() { s.done <- h.Serve(server, server, testHandshake) }()

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, len(testHandshake))
	if _, err := io.ReadFull(s.r, buf); err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })
	return s
}

func (s *session) send(t *testing.T, opcode byte, payload []byte) {
	t.Helper()
	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := s.conn.Write(clientFrame(opcode, payload)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func (s *session) receive(t *testing.T) frame {
	t.Helper()
	s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := readFrame(s.r)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func (s *session) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func eventually(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestHub_subscribe(t *testing.T) {
	h := NewHub(logger.Discard(), nil)
	s := connect(t, h)

	if !eventually(t, func() bool { return h.ClientCount() == 1 }) {
		t.Fatalf("expected 1 client, got %d", h.ClientCount())
	}

	s.send(t, opText, []byte(`{"type":"subscribe","streamId":5}`))
	if !eventually(t, func() bool { return len(h.Subscriptions()) == 1 }) {
		t.Fatal("subscription not recorded")
	}
	for _, id := range h.Subscriptions() {
		if id != 5 {
			t.Errorf("expected subscription to 5, got %d", id)
		}
	}

	s.send(t, opText, []byte(`{ "streamId" : 9, "type" : "subscribe" }`))
	if !eventually(t, func() bool {
		for _, id := range h.Subscriptions() {
			return id == 9
		}
		return false
	}) {
		t.Error("resubscribe should replace the stream id")
	}

	t.Run("non_subscribe_ignored", func(t *testing.T) {
		s.send(t, opText, []byte(`{"type":"hello","streamId":1}`))
		s.send(t, opText, []byte(`garbage`))
		time.Sleep(20 * time.Millisecond)
		for _, id := range h.Subscriptions() {
			if id != 9 {
				t.Errorf("expected subscription unchanged, got %d", id)
			}
		}
	})
}

func TestHub_BroadcastStreamUpdate(t *testing.T) {
	h := NewHub(logger.Discard(), nil)
	a := connect(t, h)
	b := connect(t, h)
	a.send(t, opText, []byte(`{"type":"subscribe","streamId":1}`))

	if !eventually(t, func() bool { return h.ClientCount() == 2 }) {
		t.Fatal("expected 2 clients")
	}

	// Pipes are synchronous, so both clients must be reading while the hub
	// writes.
	type result struct {
		name string
		f    frame
		err  error
	}
	results := make(chan result, 2)
	for name, s := range map[string]*session{"subscribed": a, "unsubscribed": b} {
		name, s := name, s
		go func() {
			s.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			f, err := readFrame(s.r)
			results <- result{name, f, err}
		}()
	}

	h.BroadcastStreamUpdate(2, true)

	want := `{"type":"stream_update","streamId":2,"active":true}`
	for i := 0; i < 2; i++ {
		r := <-results
		if r.err != nil {
			t.Errorf("%s client: %v", r.name, r.err)
			continue
		}
		if r.f.opcode != opText || string(r.f.payload) != want {
			t.Errorf("%s client: expected %s, got %q", r.name, want, r.f.payload)
		}
	}
}

func TestHub_close_frame(t *testing.T) {
	h := NewHub(logger.Discard(), nil)
	s := connect(t, h)
	s.send(t, opText, []byte(`{"type":"subscribe","streamId":1}`))
	if !eventually(t, func() bool { return len(h.Subscriptions()) == 1 }) {
		t.Fatal("subscription not recorded")
	}

	s.send(t, opClose, []byte{0x03, 0xe9}) // 1001 going away
	f := s.receive(t)
	if f.opcode != opClose {
		t.Errorf("expected close reply, got opcode %#x", f.opcode)
	}
	if string(f.payload) != "\x03\xe9" {
		t.Errorf("expected the client's status code echoed, got %x", f.payload)
	}
	if err := s.wait(t); err != nil {
		t.Errorf("Serve: %v", err)
	}
	if h.ClientCount() != 0 || len(h.Subscriptions()) != 0 {
		t.Error("closed client must be removed with its subscription")
	}
}

func TestHub_close_frame_without_code(t *testing.T) {
	h := NewHub(logger.Discard(), nil)
	s := connect(t, h)

	s.send(t, opClose, nil)
	f := s.receive(t)
	if f.opcode != opClose || string(f.payload) != "\x03\xe8" {
		t.Errorf("expected close 1000, got opcode %#x payload %x", f.opcode, f.payload)
	}
	s.wait(t)
}

func TestHub_client_disconnect(t *testing.T) {
	h := NewHub(logger.Discard(), nil)
	s := connect(t, h)
	s.conn.Close()

	if err := s.wait(t); err != nil {
		t.Errorf("Serve: %v", err)
	}
	if h.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", h.ClientCount())
	}
	// Broadcasting to nobody is fine.
	h.BroadcastStreamUpdate(1, false)
}

func TestHub_ping(t *testing.T) {
	h := NewHub(logger.Discard(), nil)
	s := connect(t, h)
	s.send(t, opPing, []byte("p"))
	f := s.receive(t)
	if f.opcode != opPong || string(f.payload) != "p" {
		t.Errorf("expected pong echoing payload, got %+v", f)
	}
}

func TestHub_oversized_frame(t *testing.T) {
	h := NewHub(logger.Discard(), nil)
	s := connect(t, h)

	s.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	s.conn.Write([]byte{finBit | opText, maskBit | 127, 0, 0, 0, 0, 0, 2, 0, 0})
	if err := s.wait(t); err == nil {
		t.Error("expected Serve to fail on an oversized frame")
	}
	if h.ClientCount() != 0 {
		t.Error("oversized client must be dropped")
	}
}

func TestHub_CloseAll(t *testing.T) {
	h := NewHub(logger.Discard(), nil)
	a := connect(t, h)
	b := connect(t, h)

	h.CloseAll()
	a.wait(t)
	b.wait(t)
	if h.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", h.ClientCount())
	}

	server, clientConn := net.Pipe()
	defer clientConn.Close()
	if err := h.Serve(server, server, testHandshake); err != ErrHubClosed {
		t.Errorf("expected ErrHubClosed, got %v", err)
	}
}

func TestHub_handshake_precedes_broadcasts(t *testing.T) {
	h := NewHub(logger.Discard(), nil)

	stop := make(chan struct{})
	broadcasting := make(chan struct{})
	go func() {
		defer close(broadcasting)
		for {
			select {
			case <-stop:
				return
			default:
				h.BroadcastStreamUpdate(1, true)
			}
		}
	}()
	defer func() {
		close(stop)
		<-broadcasting
	}()

	for i := 0; i < 200; i++ {
		server, clientConn := net.Pipe()
		done := make(chan error, 1)
		go func() { done <- h.Serve(server, server, testHandshake) }()

		clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, len(testHandshake))
		if _, err := io.ReadFull(clientConn, buf); err != nil {
			t.Fatalf("session %d: read handshake: %v", i, err)
		}
		if string(buf) != string(testHandshake) {
			t.Fatalf("session %d: expected handshake first, got %q", i, buf)
		}
		clientConn.Close()
		<-done
	}
}

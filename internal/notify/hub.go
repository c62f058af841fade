package notify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"streamnode/internal/platform/metrics"
)

// DefaultWriteTimeout bounds a single frame write to one client.
const DefaultWriteTimeout = 5 * time.Second

// ErrHubClosed is returned by Serve once CloseAll has run.
var ErrHubClosed = errors.New("notify: hub closed")

var (
	subscribeType = regexp.MustCompile(`"type"\s*:\s*"subscribe"`)
	subscribeID   = regexp.MustCompile(`"streamId"\s*:\s*(\d+)`)
)

type client struct {
	id   uuid.UUID
	conn net.Conn

	writeMu sync.Mutex
}

func (c *client) write(b []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(b, timeout)
}

// writeLocked requires c.writeMu.
func (c *client) writeLocked(b []byte, timeout time.Duration) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := c.conn.Write(b)
	return err
}

// Hub owns every upgraded client connection and its subscription. Closing a
// client always goes through the hub so the subscription map stays in step
// with the set of open connections.
type Hub struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*client
	subs    map[uuid.UUID]int
	closed  bool

	writeTimeout time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
}

// NewHub creates an empty hub. m may be nil.
func NewHub(log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:      make(map[uuid.UUID]*client),
		subs:         make(map[uuid.UUID]int),
		writeTimeout: DefaultWriteTimeout,
		log:          log.With("component", "notify"),
		metrics:      m,
	}
}

// Serve takes ownership of an upgraded connection. It writes the handshake
// response, then reads client frames from r until the client closes, the
// connection fails, or CloseAll runs. r must be the reader the request was
// parsed from so that frames it already buffered are not lost. conn is
// closed when Serve returns.
func (h *Hub) Serve(conn net.Conn, r io.Reader, handshake []byte) error {
	c := &client{id: uuid.New(), conn: conn}

	// Broadcasts to c queue behind the handshake.
	c.writeMu.Lock()
	if err := h.add(c); err != nil {
		c.writeMu.Unlock()
		conn.Close()
		return err
	}
	defer h.remove(c)

	err := c.writeLocked(handshake, h.writeTimeout)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("notify: write handshake: %w", err)
	}
	h.log.Info("client connected", "client", c.id, "remote", conn.RemoteAddr().String())

	for {
		f, err := readFrame(r)
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				h.log.Warn("client frame too large", "client", c.id, "error", err)
				return err
			}
			// EOF or our own close; both end the session normally.
			h.log.Debug("client read ended", "client", c.id, "error", err)
			return nil
		}

		switch f.opcode {
		case opText:
			h.handleMessage(c, f.payload)
		case opClose:
			_ = c.write(encodeFrame(opClose, closeReply(f.payload)), h.writeTimeout)
			return nil
		case opPing:
			_ = c.write(encodeFrame(opPong, f.payload), h.writeTimeout)
		default:
			// binary, continuation and pong frames carry nothing we act on
		}
	}
}

// closeReply echoes the client's status code, or 1000 when it sent none.
func closeReply(payload []byte) []byte {
	code := websocket.CloseNormalClosure
	if len(payload) >= 2 {
		code = int(binary.BigEndian.Uint16(payload))
	}
	return websocket.FormatCloseMessage(code, "")
}

func (h *Hub) handleMessage(c *client, msg []byte) {
	if !subscribeType.Match(msg) {
		return
	}
	m := subscribeID.FindSubmatch(msg)
	if m == nil {
		return
	}
	id, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return
	}

	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		h.subs[c.id] = id
	}
	h.mu.Unlock()

	h.log.Info("client subscribed", "client", c.id, "stream", id)
}

// BroadcastStreamUpdate sends a stream_update message to every connected
// client, whatever it subscribed to. A client whose write fails is dropped.
func (h *Hub) BroadcastStreamUpdate(id int, active bool) {
	msg := fmt.Sprintf(`{"type":"stream_update","streamId":%d,"active":%t}`, id, active)
	frame := EncodeTextFrame([]byte(msg))

	h.mu.Lock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	sent := 0
	for _, c := range targets {
		if err := c.write(frame, h.writeTimeout); err != nil {
			h.log.Warn("dropping client after failed write", "client", c.id, "error", err)
			c.conn.Close()
			continue
		}
		sent++
	}
	h.metrics.AddNotificationsSent(sent)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscriptions returns a snapshot of client id to subscribed stream id.
func (h *Hub) Subscriptions() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]int, len(h.subs))
	for id, stream := range h.subs {
		out[id.String()] = stream
	}
	return out
}

// CloseAll closes every client connection and refuses new ones. Serve calls
// return once their read loops observe the closed connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]net.Conn, 0, len(h.clients))
	for _, c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	if len(conns) > 0 {
		h.log.Info("closed notification clients", "count", len(conns))
	}
}

func (h *Hub) add(c *client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.clients[c.id] = c
	h.metrics.SetWebsocketClients(len(h.clients))
	return nil
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	delete(h.subs, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	c.conn.Close()
	h.metrics.SetWebsocketClients(n)
	h.log.Info("client disconnected", "client", c.id)
}

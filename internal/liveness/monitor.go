// Package liveness passively watches a channel's UDP port and reports whether
// an external source has sent traffic recently. Payloads are never inspected.
package liveness

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is how recent the last datagram must be for a channel to be
// reported active.
const DefaultWindow = 2 * time.Second

// errorBackoff keeps a failing receive from spinning.
const errorBackoff = 50 * time.Millisecond

// readBufferSize is one Ethernet MTU; larger datagrams are truncated, which is
// fine since only their arrival matters.
const readBufferSize = 1500

// ErrBind is returned by Start when the UDP endpoint cannot be bound.
var ErrBind = errors.New("liveness: bind failed")

// Options configures a Monitor. The zero value binds all interfaces with the
// default window.
type Options struct {
	// Host to bind; empty means all interfaces.
	Host string
	// Window overrides DefaultWindow when positive.
	Window time.Duration
	Log    *slog.Logger
	// OnDatagram, if set, is called from the reader goroutine for every
	// datagram received.
	OnDatagram func(n int)
}

// Monitor tracks the recency of datagrams arriving on one UDP port.
//
// State machine: created -> running -> stopped. A monitor is not restartable.
type Monitor struct {
	id     int
	port   int
	host   string
	window time.Duration
	log    *slog.Logger
	onData func(n int)

	// base anchors the monotonic clock; lastActivity is nanoseconds since
	// base. Written only by the reader goroutine.
	base         time.Time
	lastActivity atomic.Int64
	datagrams    atomic.Uint64

	mu      sync.Mutex
	conn    net.PacketConn
	started bool
	running atomic.Bool
	done    chan struct{}
}

// New creates a monitor for the given channel id and port. Port 0 lets the
// kernel choose; Port reports the bound port after Start.
func New(id, port int, opts Options) *Monitor {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{
		id:     id,
		port:   port,
		host:   opts.Host,
		window: window,
		log:    log.With("component", "liveness", "channel", id),
		onData: opts.OnDatagram,
		// Construction time counts as activity, so a fresh monitor gets one
		// full window of grace before it reports inactive.
		base: time.Now(),
		done: make(chan struct{}),
	}
}

// Start binds the UDP endpoint and launches the reader goroutine. Calling
// Start on a running monitor is a no-op. A bind failure is terminal: no
// goroutine is started and the monitor cannot be started again.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return nil
	}
	if m.started {
		return fmt.Errorf("liveness: channel %d monitor already used", m.id)
	}
	m.started = true

	addr := net.JoinHostPort(m.host, strconv.Itoa(m.port))
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		m.log.Error("failed to bind udp port", "port", m.port, "error", err)
		close(m.done)
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	m.conn = conn
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		m.port = ua.Port
	}

	m.running.Store(true)
	go m.receiveLoop(conn)

	m.log.Debug("monitor started", "port", m.port)
	return nil
}

// Stop closes the endpoint, which unblocks the reader, and waits for the
// reader goroutine to exit. After Stop returns no further state changes
// originate from this monitor. Stop is idempotent and safe on a monitor that
// was never started.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running.CompareAndSwap(true, false) {
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	err := conn.Close()
	<-m.done

	m.log.Debug("monitor stopped", "port", m.port)
	return err
}

// IsActive reports whether a datagram (or construction) happened within the
// window. It never blocks the reader.
func (m *Monitor) IsActive() bool {
	return m.sinceLastActivity() < m.window
}

// LastActivity returns the time of the most recent datagram, or the
// construction time if none has arrived.
func (m *Monitor) LastActivity() time.Time {
	return m.base.Add(time.Duration(m.lastActivity.Load()))
}

// Datagrams returns how many datagrams the reader has observed.
func (m *Monitor) Datagrams() uint64 {
	return m.datagrams.Load()
}

// Port returns the bound port (or the requested one before Start).
func (m *Monitor) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

func (m *Monitor) sinceLastActivity() time.Duration {
	return time.Since(m.base) - time.Duration(m.lastActivity.Load())
}

func (m *Monitor) receiveLoop(conn net.PacketConn) {
	defer close(m.done)

	buf := make([]byte, readBufferSize)
	for m.running.Load() {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !m.running.Load() {
				return
			}
			m.log.Debug("receive failed", "error", err)
			time.Sleep(errorBackoff)
			continue
		}
		m.lastActivity.Store(int64(time.Since(m.base)))
		m.datagrams.Add(1)
		if m.onData != nil {
			m.onData(n)
		}
	}
}

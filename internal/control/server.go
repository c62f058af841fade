// Package control is the node's control server. It runs its own accept loop
// over a TCP listener, parses one request per connection, and either hands
// the connection to the notification hub (WebSocket upgrades) or routes the
// request through a chi router and writes a framed response.
package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"streamnode/internal/notify"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultPollInterval = 200 * time.Millisecond
	DefaultReadTimeout  = 10 * time.Second
	writeTimeout        = 10 * time.Second

	// MaxHeaderBytes caps the request line and headers, as http.Server does.
	MaxHeaderBytes = http.DefaultMaxHeaderBytes
)

// Options configures a Server.
type Options struct {
	// Addr is the host:port to listen on.
	Addr string
	// PollInterval bounds how long the accept loop waits before rechecking
	// whether it should stop.
	PollInterval time.Duration
	// ReadTimeout bounds how long a client may take to send its request.
	ReadTimeout time.Duration
	Handler     http.Handler
	Hub         *notify.Hub
	Log         *slog.Logger
}

// Server accepts control connections. Each connection is served by its own
// goroutine; Shutdown waits for all of them.
type Server struct {
	addr         string
	pollInterval time.Duration
	readTimeout  time.Duration
	handler      http.Handler
	hub          *notify.Hub
	log          *slog.Logger

	mu       sync.Mutex
	ln       *net.TCPListener
	conns    map[net.Conn]struct{}
	running  atomic.Bool
	loopDone chan struct{}
	connWG   sync.WaitGroup
}

// New creates a server. Call Start to begin accepting.
func New(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	return &Server{
		addr:         opts.Addr,
		pollInterval: opts.PollInterval,
		readTimeout:  opts.ReadTimeout,
		handler:      opts.Handler,
		hub:          opts.Hub,
		log:          log.With("component", "control"),
		conns:        make(map[net.Conn]struct{}),
		loopDone:     make(chan struct{}),
	}
}

// Start binds the listener and launches the accept loop. A bind failure is
// returned and nothing is left running.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return errors.New("control: server already started")
	}
	laddr, err := net.ResolveTCPAddr("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: resolve %s: %w", s.addr, err)
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.running.Store(true)
	go s.acceptLoop(ln)

	s.log.Info("control server listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting, closes notification clients and waits for
// in-flight connections to finish. If ctx ends first the remaining
// connections are closed forcibly and ctx's error is returned once their
// goroutines have exited.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil || !s.running.CompareAndSwap(true, false) {
		return nil
	}

	ln.Close()
	<-s.loopDone

	if s.hub != nil {
		s.hub.CloseAll()
	}

	idle := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		s.log.Info("control server stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		n := len(s.conns)
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		s.log.Warn("forced close of control connections", "count", n)
		<-idle
		return ctx.Err()
	}
}

func (s *Server) acceptLoop(ln *net.TCPListener) {
	defer close(s.loopDone)

	for s.running.Load() {
		_ = ln.SetDeadline(time.Now().Add(s.pollInterval))
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !s.running.Load() {
				return
			}
			s.log.Warn("accept failed", "error", err)
			time.Sleep(s.pollInterval)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			return
		}
		go s.serveConn(conn)
	}
}

// track registers conn so Shutdown can wait for it. It refuses once the
// server is stopping.
func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.connWG.Done()
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	lr := &io.LimitedReader{R: conn, N: MaxHeaderBytes}
	br := bufio.NewReader(lr)
	req, err := http.ReadRequest(br)
	if err != nil {
		switch {
		case lr.N <= 0:
			s.log.Info("request header too large", "remote", conn.RemoteAddr().String())
			s.respond(conn, http.StatusRequestHeaderFieldsTooLarge, `{"error":"Request header too large"}`)
			discardRest(conn)
		case !errors.Is(err, io.EOF):
			s.log.Debug("malformed request", "remote", conn.RemoteAddr().String(), "error", err)
			s.respond(conn, http.StatusBadRequest, `{"error":"Bad request"}`)
		}
		return
	}
	// The body and any WebSocket frames are not subject to the header cap.
	lr.N = math.MaxInt64
	req.RemoteAddr = conn.RemoteAddr().String()

	if isUpgrade(req) {
		s.upgrade(conn, br, req)
		return
	}

	w := newWireWriter()
	s.handler.ServeHTTP(w, req)
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := w.writeTo(conn); err != nil {
		s.log.Debug("write response failed", "remote", req.RemoteAddr, "error", err)
	}
}

// isUpgrade reports whether req asks for the notification channel. Only the
// Upgrade token is required; a request without a valid key is rejected by
// the handshake with 400.
func isUpgrade(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	for _, v := range req.Header.Values("Upgrade") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "websocket") {
				return true
			}
		}
	}
	return false
}

func (s *Server) upgrade(conn net.Conn, br *bufio.Reader, req *http.Request) {
	resp, err := notify.Handshake(req.Header)
	if err != nil || s.hub == nil {
		if err == nil {
			err = errors.New("notifications disabled")
		}
		s.log.Info("websocket upgrade rejected", "remote", req.RemoteAddr, "error", err)
		s.respond(conn, http.StatusBadRequest, `{"error":"Bad WebSocket request"}`)
		return
	}

	// An upgraded client may stay idle indefinitely.
	_ = conn.SetReadDeadline(time.Time{})
	if err := s.hub.Serve(conn, br, resp); err != nil {
		s.log.Debug("notification session ended", "remote", req.RemoteAddr, "error", err)
	}
}

// discardRest half-closes conn and briefly drains what the client is still
// sending, so closing does not reset the connection before the client has
// read the response.
func discardRest(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _ = io.Copy(io.Discard, conn)
}

func (s *Server) respond(conn net.Conn, status int, body string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = writeRaw(conn, status, jsonContentType, []byte(body))
}

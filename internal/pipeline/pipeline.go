// Package pipeline runs the local encode/transmit pipeline for a channel as an
// external process. The control plane only starts it, stops it and asks
// whether it is still alive; media bytes never pass through this package.
package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Pipeline is the contract the registry needs from a locally encoded channel.
type Pipeline interface {
	// Start constructs and starts the pipeline. On failure nothing is left
	// running.
	Start() error
	// Stop halts the pipeline and joins its watcher goroutines. It is
	// idempotent and safe when Start failed or never ran.
	Stop() error
	// IsActive reports whether the pipeline started and has not exited.
	IsActive() bool
	// StreamURL is where the pipeline emits data, or "" before Start.
	StreamURL() string
}

// ErrStart is returned when the pipeline process cannot be launched or exits
// during its startup grace period.
var ErrStart = errors.New("pipeline: start failed")

// Defaults used when Config leaves a field zero.
const (
	DefaultStartupGrace = 500 * time.Millisecond
	DefaultStopTimeout  = 3 * time.Second

	// waitDelay bounds how long output pipes held open by the encoder's own
	// children may outlive it.
	waitDelay = time.Second
)

// Format is the raw video format a pipeline produces.
type Format struct {
	Width     int
	Height    int
	Framerate int
}

// Config describes how to launch a channel's pipeline.
type Config struct {
	// Command is a whitespace separated command line. The placeholders
	// {id} {port} {host} {width} {height} {framerate} are expanded.
	Command      string
	Host         string
	StartupGrace time.Duration
	StopTimeout  time.Duration
	Log          *slog.Logger
}

// EventKind classifies a line of pipeline output.
type EventKind string

const (
	EventError       EventKind = "error"
	EventEndOfStream EventKind = "eos"
	EventState       EventKind = "state"
	EventInfo        EventKind = "info"
)

// Event is one observation from the pipeline's output watcher.
type Event struct {
	Kind EventKind
	Text string
}

// ClassifyLine maps a line of encoder output to an event kind.
func ClassifyLine(line string) EventKind {
	l := strings.ToLower(line)
	switch {
	case strings.Contains(l, "error"):
		return EventError
	case strings.Contains(l, "eos") || strings.Contains(l, "end-of-stream") || strings.Contains(l, "end of stream"):
		return EventEndOfStream
	case strings.Contains(l, "setting pipeline to") || strings.Contains(l, "state change") || strings.Contains(l, "state-changed"):
		return EventState
	default:
		return EventInfo
	}
}

// Process is a Pipeline backed by an external encoder process, one per channel.
type Process struct {
	id     int
	port   int
	format Format
	cfg    Config
	log    *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	stopped bool
	url     string

	exited  chan struct{} // closed when the process has been reaped
	waitErr error
	watchWG sync.WaitGroup
}

var _ Pipeline = (*Process)(nil)

// NewProcess prepares a pipeline for channel id emitting to port.
func NewProcess(id, port int, format Format, cfg Config) *Process {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = DefaultStartupGrace
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Process{
		id:     id,
		port:   port,
		format: format,
		cfg:    cfg,
		log:    log.With("component", "pipeline", "channel", id),
		exited: make(chan struct{}),
	}
}

// Args expands the command template for this channel.
func (p *Process) Args() []string {
	r := strings.NewReplacer(
		"{id}", strconv.Itoa(p.id),
		"{port}", strconv.Itoa(p.port),
		"{host}", p.cfg.Host,
		"{width}", strconv.Itoa(p.format.Width),
		"{height}", strconv.Itoa(p.format.Height),
		"{framerate}", strconv.Itoa(p.format.Framerate),
	)
	return strings.Fields(r.Replace(p.cfg.Command))
}

// Start launches the process and waits out the startup grace period. A
// process that exits during the grace period is a start failure.
func (p *Process) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true

	args := p.Args()
	if len(args) == 0 {
		p.mu.Unlock()
		close(p.exited)
		return fmt.Errorf("%w: empty command", ErrStart)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = waitDelay
	if err := cmd.Start(); err != nil {
		p.mu.Unlock()
		stdoutW.Close()
		stderrW.Close()
		close(p.exited)
		p.log.Error("failed to launch pipeline", "command", args[0], "error", err)
		return fmt.Errorf("%w: %v", ErrStart, err)
	}
	p.cmd = cmd

	p.watchWG.Add(2)
	go p.watch(stdoutR)
	go p.watch(stderrR)
	go p.wait(stdoutW, stderrW)
	p.mu.Unlock()

	select {
	case <-p.exited:
		p.watchWG.Wait()
		p.log.Error("pipeline exited during startup", "error", p.waitErr)
		return fmt.Errorf("%w: exited during startup: %v", ErrStart, p.waitErr)
	case <-time.After(p.cfg.StartupGrace):
	}

	p.mu.Lock()
	p.url = fmt.Sprintf("udp://%s:%d", p.cfg.Host, p.port)
	p.mu.Unlock()

	p.log.Info("pipeline started", "port", p.port, "pid", cmd.Process.Pid)
	return nil
}

// Stop interrupts the process, kills it if it outlives StopTimeout, and waits
// for the output watchers to finish.
func (p *Process) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cmd := p.cmd
	p.mu.Unlock()

	if cmd == nil {
		return nil
	}

	select {
	case <-p.exited:
	default:
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-p.exited:
		case <-time.After(p.cfg.StopTimeout):
			p.log.Warn("pipeline did not stop in time, killing", "timeout", p.cfg.StopTimeout)
			_ = cmd.Process.Kill()
			<-p.exited
		}
	}
	p.watchWG.Wait()

	p.log.Info("pipeline stopped")
	return nil
}

// IsActive reports whether the process is running. A channel whose encoder
// died is inactive but stays registered until stopped.
func (p *Process) IsActive() bool {
	p.mu.Lock()
	started := p.started && p.cmd != nil
	p.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// StreamURL returns udp://host:port once started.
func (p *Process) StreamURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

// wait reaps the process. Wait gives up on output still held open by
// descendants after waitDelay, so exited closes even when the encoder
// leaves children behind. Closing the writers ends both watchers.
func (p *Process) wait(outputs ...*io.PipeWriter) {
	p.waitErr = p.cmd.Wait()
	for _, w := range outputs {
		w.Close()
	}
	close(p.exited)
}

func (p *Process) watch(r io.Reader) {
	defer p.watchWG.Done()
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		p.emit(Event{Kind: ClassifyLine(sc.Text()), Text: sc.Text()})
	}
	// Keep draining after an overlong line so the encoder never blocks on a
	// full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (p *Process) emit(ev Event) {
	switch ev.Kind {
	case EventError:
		p.log.Error("pipeline error", "message", ev.Text)
	case EventEndOfStream:
		p.log.Info("pipeline end of stream", "message", ev.Text)
	case EventState:
		p.log.Info("pipeline state changed", "message", ev.Text)
	default:
		p.log.Debug("pipeline output", "message", ev.Text)
	}
}

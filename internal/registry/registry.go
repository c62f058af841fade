// Package registry is the authoritative map from channel id to the controller
// that backs it. All operations are safe for concurrent use.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"streamnode/internal/pipeline"
	"streamnode/internal/platform/metrics"
)

// DefaultBasePort is the first UDP port handed out.
const DefaultBasePort = 8081

// ErrControllerStart wraps the error of a controller that failed to start.
var ErrControllerStart = errors.New("registry: controller failed to start")

// Options configures a Registry.
type Options struct {
	// BasePort is the first port allocated; DefaultBasePort when zero.
	BasePort int
	// PublicHost is the node address used in stream URLs.
	PublicHost string
	Factory    ControllerFactory
	Log        *slog.Logger
	Metrics    *metrics.Metrics
}

// Registry owns per-channel lifecycle state.
//
// A single mutex guards the channel map and the port counter. It is held
// across controller Start so that at most one controller exists per id.
// Ports are never reclaimed: a stopped channel's port is not handed out
// again, even when its start failed.
type Registry struct {
	mu       sync.Mutex
	channels map[int]*entry
	nextPort int

	host    string
	factory ControllerFactory
	log     *slog.Logger
	metrics *metrics.Metrics
}

// New creates an empty registry.
func New(opts Options) *Registry {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	base := opts.BasePort
	if base <= 0 {
		base = DefaultBasePort
	}
	return &Registry{
		channels: make(map[int]*entry),
		nextPort: base,
		host:     opts.PublicHost,
		factory:  opts.Factory,
		log:      log.With("component", "registry"),
		metrics:  opts.Metrics,
	}
}

// StartStream registers channel id and starts its controller. Starting an id
// that is already registered is a no-op. If the controller fails to start the
// id stays unregistered and the returned error wraps ErrControllerStart.
func (r *Registry) StartStream(id int, format VideoFormat) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[id]; ok {
		return nil
	}

	ch := Channel{ID: id, Port: r.nextPort, Format: format}
	r.nextPort++

	ctrl := r.factory.New(ch)
	if err := ctrl.Start(); err != nil {
		r.metrics.IncStreamStartFailures()
		r.log.Error("failed to start channel", "id", id, "port", ch.Port, "error", err)
		return fmt.Errorf("%w: channel %d: %w", ErrControllerStart, id, err)
	}

	r.channels[id] = &entry{channel: ch, kind: r.factory.Kind, ctrl: ctrl}
	r.metrics.IncStreamsStarted()
	r.log.Info("channel started", "id", id, "port", ch.Port, "kind", r.factory.Kind)
	return nil
}

// StopStream unregisters id and stops its controller, returning false if id
// was not registered. The entry is removed before the controller is stopped,
// and StopStream returns only once the controller has fully quiesced.
func (r *Registry) StopStream(id int) bool {
	r.mu.Lock()
	e, ok := r.channels[id]
	if ok {
		delete(r.channels, id)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := e.ctrl.Stop(); err != nil {
		r.log.Warn("channel stop reported an error", "id", id, "error", err)
	}
	r.metrics.IncStreamsStopped()
	r.log.Info("channel stopped", "id", id, "port", e.channel.Port)
	return true
}

// IsStreamActive reports the controller's own liveness signal, or false if id
// is not registered.
func (r *Registry) IsStreamActive(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.channels[id]
	if !ok {
		return false
	}
	return e.ctrl.IsActive()
}

// StopAllStreams stops every registered channel in parallel. Each stop is
// independent; the first error is returned after all of them have finished.
func (r *Registry) StopAllStreams() error {
	r.mu.Lock()
	channels := r.channels
	r.channels = make(map[int]*entry)
	r.mu.Unlock()

	var g errgroup.Group
	for id, e := range channels {
		id, e := id, e
		g.Go(func() error {
			if err := e.ctrl.Stop(); err != nil {
				r.log.Error("failed to stop channel", "id", id, "error", err)
				return fmt.Errorf("channel %d: %w", id, err)
			}
			r.metrics.IncStreamsStopped()
			return nil
		})
	}
	err := g.Wait()

	r.log.Info("all channels stopped", "count", len(channels))
	return err
}

// Status returns a consistent snapshot of every registered channel ordered
// by id.
func (r *Registry) Status() []ChannelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ChannelStatus, 0, len(r.channels))
	for id, e := range r.channels {
		out = append(out, ChannelStatus{
			ID:     id,
			Active: e.ctrl.IsActive(),
			Port:   e.channel.Port,
			Kind:   e.kind,
			URL:    r.urlLocked(e),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StreamURL returns the locator a registered channel emits to, or "". A
// running pipeline reports its own; otherwise it is udp://host:port.
func (r *Registry) StreamURL(id int) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.channels[id]
	if !ok {
		return ""
	}
	return r.urlLocked(e)
}

// Format returns the video format a registered channel was started with.
func (r *Registry) Format(id int) (VideoFormat, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.channels[id]
	if !ok {
		return VideoFormat{}, false
	}
	return e.channel.Format, true
}

// Counts returns how many channels are registered and how many of those are
// active. Used for metrics.
func (r *Registry) Counts() (registered, live int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.channels {
		if e.ctrl.IsActive() {
			live++
		}
	}
	return len(r.channels), live
}

func (r *Registry) urlLocked(e *entry) string {
	if p, ok := e.ctrl.(pipeline.Pipeline); ok {
		if u := p.StreamURL(); u != "" {
			return u
		}
	}
	return fmt.Sprintf("udp://%s:%d", r.host, e.channel.Port)
}

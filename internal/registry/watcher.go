package registry

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is how often a Watcher samples channel status.
const DefaultPollInterval = time.Second

// StatusSource is what a Watcher polls.
type StatusSource interface {
	Status() []ChannelStatus
}

// Notifier receives stream state changes.
type Notifier interface {
	BroadcastStreamUpdate(id int, active bool)
}

// Watcher polls channel status and notifies on every change of a channel's
// active flag. A channel that appears is reported with its current flag; one
// that disappears is reported inactive.
type Watcher struct {
	source   StatusSource
	notifier Notifier
	interval time.Duration
	log      *slog.Logger

	last map[int]bool
}

// NewWatcher creates a watcher. A non-positive interval means
// DefaultPollInterval.
func NewWatcher(source StatusSource, notifier Notifier, interval time.Duration, log *slog.Logger) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		source:   source,
		notifier: notifier,
		interval: interval,
		log:      log.With("component", "watcher"),
		last:     make(map[int]bool),
	}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	seen := make(map[int]bool, len(w.last))
	for _, st := range w.source.Status() {
		seen[st.ID] = true
		prev, known := w.last[st.ID]
		if known && prev == st.Active {
			continue
		}
		w.last[st.ID] = st.Active
		w.log.Debug("stream state changed", "id", st.ID, "active", st.Active)
		w.notifier.BroadcastStreamUpdate(st.ID, st.Active)
	}
	for id, prev := range w.last {
		if seen[id] {
			continue
		}
		delete(w.last, id)
		if prev {
			w.log.Debug("stream removed", "id", id)
			w.notifier.BroadcastStreamUpdate(id, false)
		}
	}
}

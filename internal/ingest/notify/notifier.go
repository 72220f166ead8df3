// Package notify delivers ordered progress events to the client streaming a
// run. Channels are keyed by run ID, so concurrent uploads by the same owner
// never clobber each other's streams.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mynote-app/notepipe/internal/ingest"
)

// gauge is the subset of prometheus.Gauge the notifier needs; nil disables
// stream accounting.
type gauge interface {
	Inc()
	Dec()
}

// Notifier tracks one event channel per active run.
type Notifier struct {
	mu      sync.Mutex
	entries map[string]*entry

	buffer int
	idle   time.Duration
	active gauge
	logger *slog.Logger
}

type entry struct {
	ch    chan ingest.ProgressEvent
	timer *time.Timer
}

// New creates a Notifier. buffer is the per-channel event capacity; idle is
// how long a channel may sit without traffic before it is closed.
func New(buffer int, idle time.Duration, active gauge) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &Notifier{
		entries: make(map[string]*entry),
		buffer:  buffer,
		idle:    idle,
		active:  active,
		logger:  slog.Default().With("component", "notifier"),
	}
}

// Register creates the event channel for a run. Registering a run ID that
// already has a channel closes and replaces the old one, so a superseded
// subscriber observes end-of-stream instead of hanging.
func (n *Notifier) Register(runID string) <-chan ingest.ProgressEvent {
	n.mu.Lock()
	defer n.mu.Unlock()

	if old, ok := n.entries[runID]; ok {
		n.closeLocked(runID, old, "replaced")
	}

	ch := make(chan ingest.ProgressEvent, n.buffer)
	e := &entry{ch: ch}
	e.timer = time.AfterFunc(n.idle, func() { n.expire(runID, ch) })
	n.entries[runID] = e
	if n.active != nil {
		n.active.Inc()
	}
	return ch
}

// Publish delivers an event to the run's channel. With no registered channel
// the event is dropped silently. Terminal events (Finished or ERROR) close
// the channel; a full buffer counts as a transport failure and also closes
// it.
func (n *Notifier) Publish(runID string, event ingest.ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()

	e, ok := n.entries[runID]
	if !ok {
		return
	}

	select {
	case e.ch <- event:
	default:
		n.logger.Warn("event buffer overflow, closing stream", "run_id", runID, "code", event.Code)
		n.closeLocked(runID, e, "overflow")
		return
	}

	if event.Finished || event.Code == ingest.CodeError {
		n.closeLocked(runID, e, "finished")
		return
	}
	e.timer.Reset(n.idle)
}

// Unregister drops a run's channel, e.g. when the subscriber disconnects.
func (n *Notifier) Unregister(runID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.entries[runID]; ok {
		n.closeLocked(runID, e, "unregistered")
	}
}

func (n *Notifier) expire(runID string, ch chan ingest.ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	// Only close if the entry was not replaced in the meantime.
	if e, ok := n.entries[runID]; ok && e.ch == ch {
		n.logger.Info("closing idle stream", "run_id", runID, "idle", n.idle)
		n.closeLocked(runID, e, "idle")
	}
}

func (n *Notifier) closeLocked(runID string, e *entry, reason string) {
	if e.timer != nil {
		e.timer.Stop()
	}
	close(e.ch)
	delete(n.entries, runID)
	if n.active != nil {
		n.active.Dec()
	}
	n.logger.Debug("stream closed", "run_id", runID, "reason", reason)
}

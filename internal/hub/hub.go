package hub

import (
	"sync"
	"sync/atomic"

	"github.com/nerrad567/printbridge/internal/device"
)

// DefaultQueueSize is the per-listener queue bound used when none is configured.
const DefaultQueueSize = 64

// Source supplies the current snapshot. *device.Reconciler satisfies it.
type Source interface {
	Snapshot() *device.State
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Hub.
type Options struct {
	// QueueSize bounds each listener's backlog. Zero means DefaultQueueSize.
	QueueSize int
	Logger    Logger
}

// Stats counts hub activity since start.
type Stats struct {
	Subscribers int    `json:"subscribers"`
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Overflows   uint64 `json:"overflows"`
	Resyncs     uint64 `json:"resyncs"`
}

// Hub fans change-sets out to listeners.
//
// Publish never blocks: each listener owns a bounded queue drained by its
// own pump goroutine. A listener that falls behind loses its backlog and
// receives one full-snapshot change-set instead.
//
// Thread Safety: All methods are safe for concurrent use.
type Hub struct {
	source    Source
	queueSize int
	logger    Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	overflows atomic.Uint64
	resyncs   atomic.Uint64
}

// New creates a hub reading snapshots from source.
func New(source Source, opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Hub{
		source:    source,
		queueSize: opts.QueueSize,
		logger:    opts.Logger,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a listener. The returned subscription delivers every
// change-set published after this call until Cancel or Close.
func (h *Hub) Subscribe() *Subscription {
	s := &Subscription{
		hub:  h,
		wake: make(chan struct{}, 1),
		out:  make(chan device.ChangeSet),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.cancelOnce.Do(func() { close(s.done) })
		close(s.out)
		return s
	}
	h.subs[s] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	go s.pump()
	h.logger.Debug("hub listener subscribed", "listeners", count)
	return s
}

// Publish queues cs for every listener. It implements device.Publisher.
func (h *Hub) Publish(cs device.ChangeSet) {
	if cs.Empty() {
		return
	}
	h.published.Add(1)

	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if s.enqueue(cs, h.queueSize) {
			h.overflows.Add(1)
			h.logger.Warn("hub listener overflowed, scheduling resync", "queue_size", h.queueSize)
		}
	}
}

// CurrentSnapshot returns a copy of the latest state.
func (h *Hub) CurrentSnapshot() *device.State {
	return h.source.Snapshot()
}

// SubscriberCount returns the number of active listeners.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Stats returns activity counters.
func (h *Hub) Stats() Stats {
	return Stats{
		Subscribers: h.SubscriberCount(),
		Published:   h.published.Load(),
		Delivered:   h.delivered.Load(),
		Overflows:   h.overflows.Load(),
		Resyncs:     h.resyncs.Load(),
	}
}

// Close cancels every listener. Later subscriptions are closed immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	count := len(h.subs)
	h.mu.Unlock()
	h.logger.Debug("hub listener cancelled", "listeners", count)
}

// Package notify forwards stored job notifications to live listeners.
package notify

import (
	"log/slog"
	"sync"

	"github.com/btouchard/tidings/internal/job"
)

// listenerBuffer is how many notifications a listener may lag behind
// before new ones are dropped for it.
const listenerBuffer = 256

// Listener receives stored notifications.
type Listener interface {
	Observe(n job.Notification)
}

type worker struct {
	l    Listener
	ch   chan job.Notification
	done chan struct{}
}

func startWorker(l Listener) *worker {
	w := &worker{
		l:    l,
		ch:   make(chan job.Notification, listenerBuffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for n := range w.ch {
			w.l.Observe(n)
		}
	}()
	return w
}

// Hub fans notifications out to several listeners. Every listener has its
// own buffered queue and goroutine, so it sees notifications in the order
// they were stored and a slow listener never holds up the writer.
type Hub struct {
	mu      sync.RWMutex
	workers []*worker
	closed  bool
}

// NewHub creates a Hub with the given listeners.
func NewHub(listeners ...Listener) *Hub {
	h := &Hub{}
	for _, l := range listeners {
		h.workers = append(h.workers, startWorker(l))
	}
	return h
}

// Add registers another listener. Listeners that depend on the notifier,
// such as the MCP pusher, are added once the notifier exists.
func (h *Hub) Add(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.workers = append(h.workers, startWorker(l))
}

// Observe queues n for all registered listeners. It never blocks; a
// listener whose queue is full misses n.
func (h *Hub) Observe(n job.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, w := range h.workers {
		select {
		case w.ch <- n:
		default:
			slog.Warn("listener queue full, dropping notification",
				"job_type", string(n.JobType),
				"job_id", n.JobID)
		}
	}
}

// Close stops accepting notifications and waits for the listeners to
// finish the ones already queued.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	workers := h.workers
	h.mu.Unlock()

	for _, w := range workers {
		close(w.ch)
	}
	for _, w := range workers {
		<-w.done
	}
}

package bus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/peycheff-com/titan-trading-system-sub008/internal/logging"
)

// EventKind classifies observer events emitted by the client.
type EventKind string

const (
	// EventError is emitted on broker-side errors (disconnects, async
	// subscription errors).
	EventError EventKind = "error"
	// EventClosed is emitted when the connection closes permanently.
	EventClosed EventKind = "closed"
	// EventReconnected is emitted after an automatic reconnect.
	EventReconnected EventKind = "reconnected"
)

// Event is delivered to observers. Err is set for EventError.
type Event struct {
	Kind EventKind
	Err  error
}

// observerRegistry fans events out to any number of listeners. Emit never
// blocks: each listener gets a buffered channel and events are dropped,
// with a warning, when a listener falls behind.
type observerRegistry struct {
	mu        sync.Mutex
	listeners []chan Event
}

// Observe registers a listener and returns its channel plus a cancel
// function. The channel is closed on cancel.
func (r *observerRegistry) Observe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	r.mu.Lock()
	r.listeners = append(r.listeners, ch)
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, l := range r.listeners {
			if l == ch {
				r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (r *observerRegistry) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- ev:
		default:
			logging.Get(logging.CategoryBus).Warn("observer event dropped, listener behind",
				zap.String("kind", string(ev.Kind)))
		}
	}
}

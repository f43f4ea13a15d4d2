package macro

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// EventKind names a lifecycle transition of a context.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventStarted   EventKind = "started"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
	EventJumped    EventKind = "jumped"
	EventReturned  EventKind = "returned"
	EventStep      EventKind = "step"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventStopped   EventKind = "stopped"
)

// LifecycleEvent is published for every context transition.
type LifecycleEvent struct {
	Kind    EventKind       `json:"kind"`
	ExecID  uuid.UUID       `json:"exec_id"`
	MacroID uuid.UUID       `json:"macro_id"`
	State   State           `json:"state"`
	PC      *ProgramCounter `json:"pc,omitempty"`
	Reason  string          `json:"reason,omitempty"`
	Time    time.Time       `json:"time"`
}

// broadcaster fans lifecycle events out to subscribers. Each subscriber has
// its own bounded buffer; a full buffer drops the event for that subscriber
// only.
type broadcaster struct {
	capacity int

	mu      sync.RWMutex
	clients map[chan LifecycleEvent]struct{}
	dropped atomic.Uint64
}

func newBroadcaster(capacity int) *broadcaster {
	if capacity <= 0 {
		capacity = 1024
	}
	return &broadcaster{capacity: capacity, clients: make(map[chan LifecycleEvent]struct{})}
}

func (b *broadcaster) subscribe() (<-chan LifecycleEvent, func()) {
	ch := make(chan LifecycleEvent, b.capacity)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *broadcaster) publish(ev LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *broadcaster) count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

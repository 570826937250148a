package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduling pipeline.
const (
	PostScheduled = "post.scheduled"
	PostDelivered = "post.delivered"
	PostRetry     = "post.retry"
	PostFailed    = "post.failed"
	ReconcilePass = "reconcile.pass"
	TaskDropped   = "task.dropped"
	TaskFinished  = "task.finished"
)

// Event is a small in-memory signal used to decouple components.
//
// Publish never blocks; subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// PostEvent is the payload of the post.* events.
type PostEvent struct {
	PostID   int           `json:"post_id"`
	Outcome  string        `json:"outcome,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Delay    time.Duration `json:"delay,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// PassEvent is the payload of reconcile.pass.
type PassEvent struct {
	Reason    string        `json:"reason"`
	Posts     int           `json:"posts"`
	Scheduled int           `json:"scheduled"`
	Invalid   int           `json:"invalid"`
	Pruned    int           `json:"pruned"`
	Took      time.Duration `json:"took"`
	Error     string        `json:"error,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop discards every event.
func Nop() Bus { return nopBus{} }

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; unsubscribe takes the write lock
	// before closing, so a send never races a close.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

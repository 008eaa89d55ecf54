package event

import (
	"sync"
	"sync/atomic"
	"time"

	"mediaflow/internal/stage"
)

// Event is one applied stage transition.
type Event struct {
	Stage stage.Identity `json:"stage"`
	From  stage.State    `json:"from"`
	To    stage.State    `json:"to"`
	At    time.Time      `json:"at"`
}

// Broadcaster delivers transition events to subscribers. Events published
// from one goroutine are observed in that order by every subscriber.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	nextID  uint64
	buffer  int
	closed  bool
	dropped atomic.Uint64
	now     func() time.Time
}

// NewBroadcaster creates a broadcaster whose subscribers buffer up to
// buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[uint64]chan Event),
		buffer: buffer,
		now:    time.Now,
	}
}

// Publish implements stage.Publisher.
func (b *Broadcaster) Publish(identity stage.Identity, previous, next stage.State) {
	if b == nil {
		return
	}
	evt := Event{Stage: identity, From: previous, To: next, At: b.now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new observer. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if existing, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(existing)
			}
		})
	}
}

// Subscribers returns the number of registered observers.
func (b *Broadcaster) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (b *Broadcaster) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close unregisters every subscriber. Later publishes are ignored.
func (b *Broadcaster) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known event types published by the kiosk runtime. The presentation
// layer subscribes to these to drive its display state.
const (
	TypeRequestSent        = "request.sent"
	TypeRequestReplied     = "request.replied"
	TypeRequestResolved    = "request.resolved"
	TypeRequestTimedOut    = "request.timeout"
	TypeRequestRateLimited = "request.ratelimited"
	TypeRequestSendFailed  = "request.sendfailed"
	TypeRequestCancelled   = "request.cancelled"
	TypeSelfTestRun        = "selftest.run"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
// It intentionally does not own any background goroutines.
func New() Bus {
	return &fanoutBus{subs: map[uint64]chan Event{}}
}

type fanoutBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *fanoutBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If a subscriber unsubscribes concurrently and
		// the channel closes, recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *fanoutBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, unsub
}

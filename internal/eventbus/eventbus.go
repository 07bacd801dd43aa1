// Package eventbus fans tab-lifecycle events out to subscribed Native
// clients (spec §4.6, C6). Each subscriber gets its own bounded channel;
// a slow subscriber drops its own oldest buffered event rather than
// stalling publication to everyone else.
//
// Grounded on the non-blocking, drop-and-replace broadcast loop in the
// retrieved devtoolsproxy.UpstreamManager reference file
// (subs map[chan string]struct{}, setCurrent's select/default-drop-retry
// sequence), generalized from a single latest-wins slot to a bounded
// FIFO queue per subscriber with an explicit drop counter.
package eventbus

import (
	"sync"

	"github.com/brop-dev/bridge/internal/wire"
)

// DefaultCapacity is the per-subscriber buffered channel size (spec §4.6).
const DefaultCapacity = 256

// Subscription is a live registration for a client's tab-lifecycle events.
type Subscription struct {
	id     uint64
	tabID  string // empty subscribes to all tabs
	events chan wire.NativeEvent

	mu      sync.Mutex
	dropped uint64
}

// Events returns the channel the subscriber should range over.
func (s *Subscription) Events() <-chan wire.NativeEvent {
	return s.events
}

// Dropped returns how many events were discarded because this
// subscriber's channel was full.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Bus is the process-wide tab-event fan-out point.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*Subscription
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers interest in events for tabID (empty string means
// all tabs) and returns the Subscription plus an unsubscribe function.
func (b *Bus) Subscribe(tabID string) (*Subscription, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		tabID:  tabID,
		events: make(chan wire.NativeEvent, DefaultCapacity),
	}
	b.subs[sub.id] = sub

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(sub.events)
		}
	}
	return sub, unsubscribe
}

// Publish delivers evt to every subscriber whose tabID filter matches
// (spec §4.6: "per-tab subscriptions see only their own tab's events").
// Delivery never blocks: a full subscriber channel drops its oldest
// queued event to make room for the new one.
func (b *Bus) Publish(evt wire.NativeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.tabID != "" && sub.tabID != evt.TabID {
			continue
		}
		deliver(sub, evt)
	}
}

func deliver(sub *Subscription, evt wire.NativeEvent) {
	select {
	case sub.events <- evt:
		return
	default:
	}

	select {
	case <-sub.events:
		sub.mu.Lock()
		sub.dropped++
		sub.mu.Unlock()
	default:
	}

	select {
	case sub.events <- evt:
	default:
		// Still full: another publisher won the race to refill it.
		// Dropping this event is acceptable; the subscriber already
		// lost strict ordering once its buffer overflowed.
		sub.mu.Lock()
		sub.dropped++
		sub.mu.Unlock()
	}
}

// SubscriberCount reports the number of live subscriptions. Intended for
// diagnostics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// TotalDropped sums every live subscriber's drop counter (spec §4.6:
// overflow increments a drop counter exposed via /logs).
func (b *Bus) TotalDropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var total uint64
	for _, sub := range b.subs {
		total += sub.Dropped()
	}
	return total
}

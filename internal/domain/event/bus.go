package event

import "sync"

// Filter reports whether an event should be delivered to a subscriber.
type Filter func(Event) bool

// OfType returns a Filter matching any of the given event types.
func OfType(types ...Type) Filter {
	set := make(map[Type]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// Handler receives a delivered event.
type Handler func(Event)

// Subscription is an opaque handle returned by Bus.Subscribe, passed back
// to Bus.Unsubscribe.
type Subscription struct {
	id uint64
}

type subscriber struct {
	id      uint64
	filter  Filter
	handler Handler
}

// Bus is an in-process, channel-free publish/subscribe hub: Publish starts
// each matching subscriber's Handler in a new goroutine and returns without
// waiting, so a slow subscriber cannot block the publisher or other
// subscribers. Handlers for successive events may run in any order, and a
// panic in a Handler is not recovered.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers handler to receive events matching filter. A nil
// filter matches every event. Returns a Subscription for Unsubscribe.
func (b *Bus) Subscribe(filter Filter, handler Handler) Subscription {
	if filter == nil {
		filter = func(Event) bool { return true }
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, filter: filter, handler: handler})
	return Subscription{id: id}
}

// Unsubscribe removes a subscription. Safe to call more than once; a
// second call is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == sub.id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every subscriber whose filter matches, each in its
// own goroutine so a blocked handler cannot stall the publisher.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.filter(e) {
			continue
		}
		go s.handler(e)
	}
}

// SubscriberCount returns the number of currently registered subscriptions,
// for tests and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

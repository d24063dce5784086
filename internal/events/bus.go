package events

import (
	"log"
	"sync"
)

// Kind discriminates event payloads on a topic.
type Kind string

const (
	KindRecommendation Kind = "recommendation"
	KindDecision       Kind = "decision"
	KindUsage          Kind = "usage"
	KindConfig         Kind = "config"
	KindTaskAssigned   Kind = "task_assigned"
	KindSessionFailed  Kind = "session_failed"
)

// Handler receives a published payload. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(data any)

type subscription struct {
	id      int
	handler Handler
}

// Bus is an in-process publish/subscribe keyed by (topic, kind).
//
// Delivery is synchronous and in subscription order: Publish returns only
// after every current subscriber ran, so a caller that publishes then reads
// state always observes the update. There is no buffering; a subscriber added
// after a publish never sees that publish.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[Kind][]subscription
	nextID int
}

func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]map[Kind][]subscription),
	}
}

// Subscribe registers handler for (topic, kind) and returns an unsubscribe
// function. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(topic string, kind Kind, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if _, ok := b.subs[topic]; !ok {
		b.subs[topic] = make(map[Kind][]subscription)
	}
	b.subs[topic][kind] = append(b.subs[topic][kind], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		byKind := b.subs[topic]
		if byKind == nil {
			return
		}
		list := byKind[kind]
		out := list[:0]
		for _, sub := range list {
			if sub.id == id {
				continue
			}
			out = append(out, sub)
		}
		if len(out) == 0 {
			delete(byKind, kind)
			if len(byKind) == 0 {
				delete(b.subs, topic)
			}
			return
		}
		byKind[kind] = append([]subscription(nil), out...)
	}
}

// Publish delivers data to every current subscriber of (topic, kind). A
// panicking handler is recovered and logged; later handlers still run.
func (b *Bus) Publish(topic string, kind Kind, data any) {
	b.mu.RLock()
	var list []subscription
	if byKind := b.subs[topic]; byKind != nil {
		list = append(list, byKind[kind]...)
	}
	b.mu.RUnlock()

	for _, sub := range list {
		invoke(topic, kind, sub.handler, data)
	}
}

// SubscriberCount reports the current number of handlers for (topic, kind).
func (b *Bus) SubscriberCount(topic string, kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	byKind := b.subs[topic]
	if byKind == nil {
		return 0
	}
	return len(byKind[kind])
}

func invoke(topic string, kind Kind, h Handler, data any) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: handler panic on %s/%s: %v", topic, kind, r)
		}
	}()
	h(data)
}

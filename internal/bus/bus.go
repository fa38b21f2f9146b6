// Package bus provides an in-process publish/subscribe dispatcher with
// topics whose payload type is fixed at compile time.
package bus

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Topic names a channel on the bus carrying payloads of type T
type Topic[T any] struct {
	name string
}

// NewTopic returns a topic with the given name
func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

// Name returns the name of the topic
func (t Topic[T]) Name() string {
	return t.name
}

// Handle identifies a subscription so that it can be removed
type Handle struct {
	topic string
	id    uint64
}

type subscriber struct {
	id      uint64
	handler func(interface{}) error
}

// Bus delivers each published payload to the handlers subscribed to its
// topic, synchronously and in subscription order. It keeps no history.
type Bus struct {
	mu *sync.RWMutex

	// subscribers by topic name, in subscription order
	subs map[string][]subscriber

	next uint64

	log *log.Entry
}

// New returns a pointer to an empty Bus
func New(logger *log.Entry) *Bus {
	return &Bus{
		mu:   &sync.RWMutex{},
		subs: make(map[string][]subscriber),
		log:  logger,
	}
}

// Subscribe adds a handler for a topic. A handler that returns an error or
// panics does not affect delivery to the other handlers.
func Subscribe[T any](b *Bus, topic Topic[T], handler func(T) error) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++

	s := subscriber{
		id: b.next,
		handler: func(payload interface{}) error {
			return handler(payload.(T))
		},
	}

	b.subs[topic.name] = append(b.subs[topic.name], s)

	return Handle{topic: topic.name, id: s.id}
}

// Publish delivers payload to every handler currently subscribed to topic
func Publish[T any](b *Bus, topic Topic[T], payload T) {

	// copy so handlers can (un)subscribe during dispatch
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs[topic.name]))
	copy(subs, b.subs[topic.name])
	b.mu.RUnlock()

	for _, s := range subs {
		b.dispatch(topic.name, s, payload)
	}
}

func (b *Bus) dispatch(topic string, s subscriber, payload interface{}) {

	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(log.Fields{"topic": topic, "handler": s.id, "panic": fmt.Sprint(r)}).Error("handler panicked")
		}
	}()

	if err := s.handler(payload); err != nil {
		b.log.WithFields(log.Fields{"topic": topic, "handler": s.id, "error": err.Error()}).Error("handler failed")
	}
}

// Unsubscribe removes a subscription. Removing twice is harmless.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[h.topic]

	for i, s := range subs {
		if s.id == h.id {
			// build a new slice so copies held by Publish are unaffected
			remaining := make([]subscriber, 0, len(subs)-1)
			remaining = append(remaining, subs[:i]...)
			remaining = append(remaining, subs[i+1:]...)
			b.subs[h.topic] = remaining
			break
		}
	}

	if len(b.subs[h.topic]) == 0 {
		delete(b.subs, h.topic)
	}
}

// Count returns the number of handlers subscribed to the named topic
func (b *Bus) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Package eventbus implements the topic publish/subscribe surface of
// spec §4.5: synchronous, subscription-order fan-out with snapshot
// semantics for concurrent subscribe-during-publish.
//
// It keeps the vocabulary of the teacher's
// concurrency-and-channels/subscription.go (Topic, Subscribe, Close)
// but inverts the delivery model: that file buffers events and lets
// subscribers poll a channel every 100ms, while this bus must call
// every matching handler in-line from publish, synchronously, because
// the spec requires publish-order fan-out rather than eventually-polled
// delivery.
package eventbus

import (
	"sync"

	"github.com/hamicek/noex/internal/glob"
)

// Handler receives a published payload.
type Handler func(topic string, payload any)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus is one topic tree. The package-level Default is the runtime's
// default event bus (spec §9); Create builds an isolated instance.
type Bus struct {
	mu   sync.Mutex
	subs []*subscription
	seq  uint64

	publishing int
	pending    []func()
}

// Create builds an isolated event bus.
func Create() *Bus { return &Bus{} }

// Default is the runtime's default, process-wide event bus.
var Default = Create()

// Subscribe registers handler for every topic matching pattern ("*",
// "**", "?" per spec §4.4/§4.5). The returned func unsubscribes,
// idempotently.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	b.mu.Lock()
	b.seq++
	sub := &subscription{id: b.seq, pattern: pattern, handler: handler}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s == sub {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish invokes every subscriber matching topic, in subscription
// order, synchronously. Subscriptions added during this publish are not
// called for it (snapshot semantics, spec §4.5). If a handler panics
// the publisher recovers and continues with the remaining handlers.
//
// A publish issued from inside a handler that is itself running as
// part of an outer publish is deferred until the outer publish's
// fan-out completes (SPEC_FULL.md §4.5's resolution of the open
// question), mirroring the teacher's discipline of never re-entering a
// loop's own select from inside a callback.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.Lock()
	if b.publishing > 0 {
		b.pending = append(b.pending, func() { b.doPublish(topic, payload) })
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.doPublish(topic, payload)
	b.drainPending()
}

func (b *Bus) doPublish(topic string, payload any) {
	b.mu.Lock()
	b.publishing++
	matched := matchSubs(b.subs, topic)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.publishing--
		b.mu.Unlock()
	}()

	for _, s := range matched {
		invoke(s, topic, payload)
	}
}

func (b *Bus) drainPending() {
	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		next := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()
		next()
	}
}

func invoke(s *subscription, topic string, payload any) {
	defer func() { recover() }()
	s.handler(topic, payload)
}

func matchSubs(subs []*subscription, topic string) []*subscription {
	var out []*subscription
	for _, s := range subs {
		if glob.Match(s.pattern, topic) {
			out = append(out, s)
		}
	}
	return out
}

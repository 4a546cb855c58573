// Package bus is a typed, thread-safe, in-process pub/sub event bus.
//
// Each component declares its own closed set of event kinds (a small integer
// or string enum) and an event payload type, and owns one Bus instantiated
// over them:
//
//   - Kind-based fan-out: handlers subscribe to one kind or to every kind.
//   - Optional topics: handlers can subscribe within a topic for scoping (the
//     default topic is "").
//   - Synchronous delivery: Publish calls handlers in the caller goroutine, in
//     subscription order.
//   - Error aggregation: handler errors are joined and returned from Publish.
//
// Handlers should be quick and must not publish back into the same bus while
// the publisher holds a lock the handler needs.
package bus

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Handler is a subscriber callback.
type Handler[E any] func(event E) error

// Subscription is a registered handler. Cancel is safe to call more than once.
type Subscription interface {
	ID() string
	Topic() string
	IsActive() bool
	Cancel()
}

// Metrics is a best-effort snapshot of bus activity.
type Metrics struct {
	Published   uint64
	Delivered   uint64
	Errors      uint64
	Subscribers int
}

type subscription[K comparable, E any] struct {
	id       string
	seq      uint64
	topic    string
	kind     K
	wildcard bool
	handler  Handler[E]
	active   atomic.Bool
	cancel   func()
}

func (s *subscription[K, E]) ID() string     { return s.id }
func (s *subscription[K, E]) Topic() string  { return s.topic }
func (s *subscription[K, E]) IsActive() bool { return s.active.Load() }
func (s *subscription[K, E]) Cancel() {
	if s.active.CompareAndSwap(true, false) && s.cancel != nil {
		s.cancel()
	}
}

type topicSubs[K comparable, E any] struct {
	byKind map[K]map[string]*subscription[K, E]
	any    map[string]*subscription[K, E]
}

func newTopicSubs[K comparable, E any]() *topicSubs[K, E] {
	return &topicSubs[K, E]{
		byKind: make(map[K]map[string]*subscription[K, E]),
		any:    make(map[string]*subscription[K, E]),
	}
}

func (t *topicSubs[K, E]) count() int {
	n := len(t.any)
	for _, m := range t.byKind {
		n += len(m)
	}
	return n
}

// Bus is the generic in-memory implementation.
type Bus[K comparable, E any] struct {
	mu     sync.RWMutex
	topics map[string]*topicSubs[K, E]
	seq    uint64
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
	errs      atomic.Uint64
}

// New creates an empty bus.
func New[K comparable, E any]() *Bus[K, E] {
	return &Bus[K, E]{topics: make(map[string]*topicSubs[K, E])}
}

// Subscribe registers handler for kind in the default topic.
func (b *Bus[K, E]) Subscribe(kind K, handler Handler[E]) Subscription {
	return b.subscribe("", kind, false, handler)
}

// SubscribeAll registers handler for every kind in the default topic.
func (b *Bus[K, E]) SubscribeAll(handler Handler[E]) Subscription {
	var zero K
	return b.subscribe("", zero, true, handler)
}

// SubscribeTopic registers handler for kind within topic.
func (b *Bus[K, E]) SubscribeTopic(topic string, kind K, handler Handler[E]) Subscription {
	return b.subscribe(topic, kind, false, handler)
}

func (b *Bus[K, E]) subscribe(topic string, kind K, wildcard bool, handler Handler[E]) Subscription {
	s := &subscription[K, E]{
		id:       uuid.NewString(),
		topic:    topic,
		kind:     kind,
		wildcard: wildcard,
		handler:  handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || handler == nil {
		return s
	}

	b.seq++
	s.seq = b.seq
	s.active.Store(true)
	s.cancel = func() { b.remove(s) }

	ts, ok := b.topics[topic]
	if !ok {
		ts = newTopicSubs[K, E]()
		b.topics[topic] = ts
	}
	if wildcard {
		ts.any[s.id] = s
		return s
	}
	if ts.byKind[kind] == nil {
		ts.byKind[kind] = make(map[string]*subscription[K, E])
	}
	ts.byKind[kind][s.id] = s
	return s
}

func (b *Bus[K, E]) remove(s *subscription[K, E]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[s.topic]
	if !ok {
		return
	}
	if s.wildcard {
		delete(ts.any, s.id)
	} else if m, ok := ts.byKind[s.kind]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(ts.byKind, s.kind)
		}
	}
	if s.topic != "" && ts.count() == 0 {
		delete(b.topics, s.topic)
	}
}

// Publish delivers event to the default topic.
func (b *Bus[K, E]) Publish(kind K, event E) error {
	return b.PublishToTopic("", kind, event)
}

// PublishToTopic delivers event to subscribers of kind (and wildcard
// subscribers) within topic.
func (b *Bus[K, E]) PublishToTopic(topic string, kind K, event E) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil
	}
	var subs []*subscription[K, E]
	if ts, ok := b.topics[topic]; ok {
		subs = make([]*subscription[K, E], 0, len(ts.byKind[kind])+len(ts.any))
		for _, s := range ts.byKind[kind] {
			subs = append(subs, s)
		}
		for _, s := range ts.any {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	b.published.Add(1)
	var all error
	for _, s := range subs {
		if !s.active.Load() {
			continue
		}
		b.delivered.Add(1)
		if err := s.handler(event); err != nil {
			b.errs.Add(1)
			all = errors.Join(all, err)
		}
	}
	return all
}

// Close detaches every subscriber. Subsequent publishes are dropped and
// subsequent subscriptions are inert.
func (b *Bus[K, E]) Close() {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]*topicSubs[K, E])
	b.closed = true
	b.mu.Unlock()

	for _, ts := range topics {
		deactivate(ts)
	}
}

func deactivate[K comparable, E any](ts *topicSubs[K, E]) {
	for _, s := range ts.any {
		s.active.Store(false)
	}
	for _, m := range ts.byKind {
		for _, s := range m {
			s.active.Store(false)
		}
	}
}

// Metrics returns counters accumulated since construction.
func (b *Bus[K, E]) Metrics() Metrics {
	b.mu.RLock()
	subs := 0
	for _, ts := range b.topics {
		subs += ts.count()
	}
	b.mu.RUnlock()
	return Metrics{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Errors:      b.errs.Load(),
		Subscribers: subs,
	}
}

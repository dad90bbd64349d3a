package cache

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Observer receives values from a Subject. Either callback may be nil.
// Callbacks may run on different goroutines but never after the
// subscription is closed.
type Observer[T any] struct {
	Next  func(T)
	Error func(error)
}

// Subscription is the handle returned by Subscribe. Unsubscribe is
// idempotent.
type Subscription struct {
	id     string
	once   sync.Once
	closed atomic.Bool
	cancel func()
}

// NewSubscription wraps cancel in a Subscription.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{id: uuid.NewString(), cancel: cancel}
}

// ID returns a unique id for the subscription.
func (s *Subscription) ID() string { return s.id }

// Unsubscribe stops delivery and releases the subscriber's interest.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Close implements io.Closer.
func (s *Subscription) Close() error {
	s.Unsubscribe()
	return nil
}

// Closed reports whether Unsubscribe has been called.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// Subject multicasts values to its observers and replays the most recent
// value to each new observer.
//
// Contract:
// - Concurrency: safe for concurrent use; callbacks run without locks held,
// so an observer may call back into the subject.
// - Ordering: each observer sees values in publish order; a value older
// than one already delivered to that observer is dropped.
type Subject[T any] struct {
	onActive func()
	onIdle   func()

	mu      sync.Mutex
	subs    map[uint64]*subscriber[T]
	nextID  uint64
	seq     uint64
	last    T
	hasLast bool
}

type subscriber[T any] struct {
	obs  Observer[T]
	sub  *Subscription
	mu   sync.Mutex
	seen uint64
}

// NewSubject creates a subject. onActive runs when the observer count
// goes from zero to one, onIdle when it returns to zero. Both may be nil.
func NewSubject[T any](onActive, onIdle func()) *Subject[T] {
	return &Subject[T]{
		onActive: onActive,
		onIdle:   onIdle,
		subs:     make(map[uint64]*subscriber[T]),
	}
}

// Subscribe adds o and replays the last value to it synchronously.
func (s *Subject[T]) Subscribe(o Observer[T]) *Subscription {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	sub := &subscriber[T]{obs: o}
	sub.sub = NewSubscription(func() { s.remove(id) })
	s.subs[id] = sub
	first := len(s.subs) == 1
	last, hasLast, seq := s.last, s.hasLast, s.seq
	s.mu.Unlock()

	if hasLast {
		sub.deliver(seq, last)
	}
	if first && s.onActive != nil {
		s.onActive()
	}
	return sub.sub
}

func (s *Subject[T]) remove(id uint64) {
	s.mu.Lock()
	if _, ok := s.subs[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, id)
	idle := len(s.subs) == 0
	s.mu.Unlock()

	if idle && s.onIdle != nil {
		s.onIdle()
	}
}

// Next publishes v to every observer and remembers it for replay.
func (s *Subject[T]) Next(v T) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.last, s.hasLast = v, true
	subs := s.snapshot()
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(seq, v)
	}
}

// Error publishes err to every observer. Errors are not replayed.
func (s *Subject[T]) Error(err error) {
	s.mu.Lock()
	subs := s.snapshot()
	s.mu.Unlock()

	for _, sub := range subs {
		if sub.sub.Closed() || sub.obs.Error == nil {
			continue
		}
		sub.obs.Error(err)
	}
}

// Last returns the most recently published value.
func (s *Subject[T]) Last() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}

// Len returns the number of observers.
func (s *Subject[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Subject[T]) snapshot() []*subscriber[T] {
	out := make([]*subscriber[T], 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	return out
}

func (sub *subscriber[T]) deliver(seq uint64, v T) {
	sub.mu.Lock()
	if seq <= sub.seen {
		sub.mu.Unlock()
		return
	}
	sub.seen = seq
	sub.mu.Unlock()

	if sub.sub.Closed() || sub.obs.Next == nil {
		return
	}
	sub.obs.Next(v)
}

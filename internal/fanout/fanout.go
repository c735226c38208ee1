// Package fanout delivers updates to independently removable listeners.
package fanout

import (
	"sync"
	"sync/atomic"
)

// Subscription is one registered listener.
type Subscription[T any] struct {
	r      *Registry[T]
	fn     func(T)
	active atomic.Bool
}

// Unsubscribe removes the listener. It is safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	if !s.active.Swap(false) {
		return
	}
	s.r.remove(s)
}

// Deliver calls the listener with v unless it has been removed.
func (s *Subscription[T]) Deliver(v T) {
	if s.active.Load() {
		s.fn(v)
	}
}

// Registry is a copy-on-write listener list. Publish iterates over a
// snapshot, so listeners may subscribe or unsubscribe from inside a callback.
type Registry[T any] struct {
	mu   sync.Mutex
	subs []*Subscription[T]
}

// Subscribe registers fn.
func (r *Registry[T]) Subscribe(fn func(T)) *Subscription[T] {
	s := &Subscription[T]{r: r, fn: fn}
	s.active.Store(true)
	r.mu.Lock()
	next := make([]*Subscription[T], len(r.subs), len(r.subs)+1)
	copy(next, r.subs)
	r.subs = append(next, s)
	r.mu.Unlock()
	return s
}

func (r *Registry[T]) remove(s *Subscription[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]*Subscription[T], 0, len(r.subs))
	for _, x := range r.subs {
		if x != s {
			next = append(next, x)
		}
	}
	r.subs = next
}

// Publish calls every listener with v in registration order.
func (r *Registry[T]) Publish(v T) {
	r.mu.Lock()
	subs := r.subs
	r.mu.Unlock()
	for _, s := range subs {
		s.Deliver(v)
	}
}

// Len returns the number of listeners.
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

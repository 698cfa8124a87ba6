// Package future provides single-assignment result cells for asynchronous
// pipeline operations. A Promise is resolved from any goroutine; the paired
// Future delivers the value to callbacks on the control loop, so branch
// teardown and state changes can be chained without locks.
package future

import (
	"fmt"
	"sync/atomic"

	"github.com/rovlink/pipeline/eventloop"
)

// Future is the reading half of a Promise. It is confined to the loop it was
// created with: ForEach, Resolved and Value must only be called from that
// loop's goroutine. Callbacks run on the loop in the order they were
// registered.
type Future[T any] struct {
	loop      *eventloop.Loop
	resolved  bool
	value     T
	callbacks []func(T)
}

// Promise is the writing half of a Future. Resolve may be called from any
// goroutine, exactly once.
type Promise[T any] struct {
	fut  *Future[T]
	done atomic.Bool
}

// New creates an unresolved Future and the Promise that resolves it.
func New[T any](loop *eventloop.Loop) (*Future[T], *Promise[T]) {
	f := &Future[T]{loop: loop}
	return f, &Promise[T]{fut: f}
}

// Resolve sets the value and schedules callback delivery on the loop.
// Delivery is always posted, even when Resolve is called from the loop
// goroutine, so callbacks never run in the middle of the resolving call.
// Resolving a promise twice panics.
func (p *Promise[T]) Resolve(value T) {
	if !p.done.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("future: promise resolved twice (value %v)", value))
	}
	p.fut.loop.Post(func() {
		p.fut.deliver(value)
	})
}

func (f *Future[T]) deliver(value T) {
	f.resolved = true
	f.value = value
	callbacks := f.callbacks
	f.callbacks = nil
	for _, fn := range callbacks {
		fn(value)
	}
}

// ForEach registers fn to receive the value. If the future is already
// resolved fn runs synchronously, otherwise it runs on the loop when the
// promise resolves. Registration order is dispatch order.
func (f *Future[T]) ForEach(fn func(T)) {
	if f.resolved {
		fn(f.value)
		return
	}
	f.callbacks = append(f.callbacks, fn)
}

// Resolved reports whether the value has been delivered to the future.
func (f *Future[T]) Resolved() bool {
	return f.resolved
}

// Value returns the delivered value. The second return is false while the
// future is unresolved.
func (f *Future[T]) Value() (T, bool) {
	return f.value, f.resolved
}

// Of returns a future that is already resolved with value. Callbacks
// registered on it run synchronously.
func Of[T any](loop *eventloop.Loop, value T) *Future[T] {
	return &Future[T]{loop: loop, resolved: true, value: value}
}

// Map returns a future resolved with fn applied to f's value.
func Map[T, U any](f *Future[T], fn func(T) U) *Future[U] {
	out, p := New[U](f.loop)
	f.ForEach(func(v T) {
		p.Resolve(fn(v))
	})
	return out
}

// FlatMap returns a future resolved with the value of the future fn builds
// from f's value.
func FlatMap[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out, p := New[U](f.loop)
	f.ForEach(func(v T) {
		fn(v).ForEach(func(u U) {
			p.Resolve(u)
		})
	})
	return out
}

// Sequence returns a future resolved with the values of all input futures,
// in input order regardless of the order they resolve in. An empty input
// resolves to an empty slice.
func Sequence[T any](loop *eventloop.Loop, futures []*Future[T]) *Future[[]T] {
	out, p := New[[]T](loop)

	results := make([]T, len(futures))
	remaining := len(futures)
	if remaining == 0 {
		p.Resolve(results)
		return out
	}

	for i, f := range futures {
		i := i
		f.ForEach(func(v T) {
			results[i] = v
			remaining--
			if remaining == 0 {
				p.Resolve(results)
			}
		})
	}
	return out
}

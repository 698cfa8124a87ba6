// Package eventloop provides a single-goroutine task loop that serializes
// pipeline control operations. Stage goroutines, timers and network callers
// post closures onto the loop instead of sharing locks with control code.
package eventloop

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Loop runs posted tasks one at a time on a single goroutine. Tasks run in
// the order they were posted. The zero value is not usable, construct with
// New.
type Loop struct {
	logger zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// New creates a stopped loop. Call Run to start processing tasks.
func New(logger zerolog.Logger) *Loop {
	return &Loop{
		logger: logger.With().Str("module", "eventloop").Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run processes tasks until Close is called. Tasks already queued when Close
// is called still run before Run returns. Run must be called at most once.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		fn, ok := l.next()
		if !ok {
			return
		}
		fn()
	}
}

// next blocks until a task is available. It returns ok=false once the loop
// is closed and the queue is drained.
func (l *Loop) next() (func(), bool) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			fn := l.queue[0]
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return fn, true
		}
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return nil, false
		}
		<-l.wake
	}
}

// Post enqueues fn to run on the loop goroutine. It never blocks. Tasks
// posted after Close are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.logger.Debug().Msg("task dropped, loop already closed")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.signal()
}

// Close stops the loop after the currently queued tasks have run. It is safe
// to call from any goroutine, including a task running on the loop itself,
// and is idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Timer is a pending callback scheduled with AfterFunc.
type Timer struct {
	stopped atomic.Bool
	timer   *time.Timer
}

// AfterFunc schedules fn to run on the loop goroutine after d has elapsed.
// The returned Timer can cancel the callback before it fires.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Load() {
				return
			}
			fn()
		})
	})
	return t
}

// Stop cancels the timer. When Stop is called from the loop goroutine the
// callback is guaranteed not to run afterwards, even if the timer has
// already fired and queued it.
func (t *Timer) Stop() {
	t.stopped.Store(true)
	t.timer.Stop()
}

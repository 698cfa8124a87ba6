package stages

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

const defaultQueueSize = 64

// Queue decouples its upstream from its downstream with a buffer drained
// by its own goroutine. A full non-leaky queue blocks the pusher. A leaky
// queue instead drops its oldest buffered data event, so a slow consumer
// sees fresh frames at the cost of continuity. Caps and end-of-stream
// events are never dropped.
type Queue struct {
	name     string
	logger   zerolog.Logger
	maxItems int
	leaky    bool

	mu         sync.Mutex
	cond       *sync.Cond
	items      []core.Event
	state      core.State
	stopping   bool
	downstream core.Stage
	wg         sync.WaitGroup

	dropped atomic.Uint64
}

// QueueConfig configures a queue
type QueueConfig struct {
	Name   string
	Logger zerolog.Logger

	// MaxItems bounds the buffer. Defaults to 64 events.
	MaxItems int

	// Leaky switches a full queue from blocking the pusher to dropping
	// the oldest buffered data event.
	Leaky bool
}

// NewQueue creates a stopped queue.
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = defaultQueueSize
	}
	q := &Queue{
		name:     cfg.Name,
		logger:   cfg.Logger.With().Str("module", cfg.Name).Logger(),
		maxItems: cfg.MaxItems,
		leaky:    cfg.Leaky,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) InputTypes() []core.MediaType {
	return nil
}

func (q *Queue) OutputTypes() []core.MediaType {
	return nil
}

func (q *Queue) State() core.State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// SetState starts the drain goroutine when leaving Null and stops it,
// discarding buffered events, when returning there.
func (q *Queue) SetState(target core.State) error {
	q.mu.Lock()
	current := q.state
	q.mu.Unlock()
	if current == target {
		return nil
	}

	if current == core.StateNull {
		q.start()
	}
	if target == core.StateNull {
		q.stop()
	}

	q.mu.Lock()
	q.state = target
	q.mu.Unlock()
	q.logger.Debug().Stringer("from", current).Stringer("to", target).Msg("state changed")
	return nil
}

func (q *Queue) start() {
	q.mu.Lock()
	q.stopping = false
	q.items = nil
	q.mu.Unlock()
	q.wg.Add(1)
	go q.drain()
}

func (q *Queue) stop() {
	q.mu.Lock()
	q.stopping = true
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopping {
			q.cond.Wait()
		}
		if q.stopping {
			q.mu.Unlock()
			return
		}
		ev := q.items[0]
		q.items = q.items[1:]
		downstream := q.downstream
		// Wake pushers blocked on a full buffer.
		q.cond.Broadcast()
		q.mu.Unlock()

		if downstream != nil {
			downstream.Push(ev)
		}
	}
}

// Push buffers the event. Blocks while the buffer is full unless the
// queue is leaky; returns immediately when the queue is stopped.
func (q *Queue) Push(ev core.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state == core.StateNull || q.stopping {
		q.logger.Debug().Str("event", string(ev.EventType())).Msg("event dropped, queue not running")
		return
	}

	if len(q.items) >= q.maxItems {
		if q.leaky {
			q.dropOldest()
		} else {
			for len(q.items) >= q.maxItems && !q.stopping {
				q.cond.Wait()
			}
			if q.stopping {
				return
			}
		}
	}

	q.items = append(q.items, ev)
	q.cond.Broadcast()
}

// dropOldest removes the first droppable data event. Caps and
// end-of-stream events stay put whatever the pressure. Called with the
// lock held.
func (q *Queue) dropOldest() {
	for i, ev := range q.items {
		switch ev.EventType() {
		case core.EventTypePacket, core.EventTypeFrame:
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.dropped.Add(1)
			q.logger.Debug().Str("event", string(ev.EventType())).Msg("dropped oldest buffered event")
			return
		}
	}
}

// Dropped returns how many events the leaky mode has discarded.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Link sets the downstream stage.
func (q *Queue) Link(downstream core.Stage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.downstream != nil {
		return fmt.Errorf("stage %s: output already linked to %s", q.name, q.downstream.Name())
	}
	q.downstream = downstream
	return nil
}

// Unlink clears the downstream stage.
func (q *Queue) Unlink(downstream core.Stage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.downstream != downstream {
		return fmt.Errorf("stage %s: not linked to %s", q.name, downstream.Name())
	}
	q.downstream = nil
	return nil
}

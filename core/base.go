package core

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog"
)

// Handler processes the events delivered to a stage input. HandleEvent runs
// on the stage's own goroutine, one event at a time.
type Handler interface {
	HandleEvent(ev Event)
}

// StateHook is implemented by handlers that allocate or release resources
// on state changes. The hook runs before the stage goroutine starts on the
// way up, and after it has stopped on the way down.
type StateHook interface {
	OnStateChange(from, to State) error
}

// BaseConfig configures the shared stage runtime
type BaseConfig struct {
	Name        string
	Logger      zerolog.Logger
	Bus         *Bus
	Handler     Handler
	InputTypes  []MediaType
	OutputTypes []MediaType

	// InboxSize bounds how many events may queue at the input before a
	// pusher blocks. Defaults to 16.
	InboxSize int
}

// Base implements the Stage contract shared by most stages: a bounded
// input queue drained by a dedicated goroutine, stepwise state walking,
// a single downstream link and input probes. Concrete stages embed it and
// provide a Handler.
type Base struct {
	name        string
	logger      zerolog.Logger
	bus         *Bus
	handler     Handler
	inputTypes  []MediaType
	outputTypes []MediaType
	inboxSize   int

	mu         sync.Mutex
	state      State
	downstream Stage
	probes     []probeEntry
	inbox      chan Event
	quit       chan struct{}
	wg         sync.WaitGroup
}

type probeEntry struct {
	id ProbeID
	fn ProbeFunc
}

// NewBase creates the stage runtime. The handler is usually the embedding
// stage itself.
func NewBase(cfg BaseConfig) *Base {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 16
	}
	return &Base{
		name:        cfg.Name,
		logger:      cfg.Logger.With().Str("module", cfg.Name).Logger(),
		bus:         cfg.Bus,
		handler:     cfg.Handler,
		inputTypes:  cfg.InputTypes,
		outputTypes: cfg.OutputTypes,
		inboxSize:   cfg.InboxSize,
	}
}

func (b *Base) Name() string {
	return b.name
}

// Logger returns the stage-scoped logger for the embedding stage.
func (b *Base) Logger() zerolog.Logger {
	return b.logger
}

// Bus returns the message bus, nil when the stage runs without one.
func (b *Base) Bus() *Bus {
	return b.bus
}

func (b *Base) InputTypes() []MediaType {
	return b.inputTypes
}

func (b *Base) OutputTypes() []MediaType {
	return b.outputTypes
}

func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// SetState walks the stage to target one state at a time, running the
// handler's StateHook at every step.
func (b *Base) SetState(target State) error {
	for {
		current := b.State()
		if current == target {
			return nil
		}
		next := current + 1
		if target < current {
			next = current - 1
		}
		if err := b.step(current, next); err != nil {
			return err
		}
	}
}

func (b *Base) step(from, to State) error {
	if to < from && from == StateReady {
		b.stopLoop()
	}
	if hook, ok := b.handler.(StateHook); ok {
		if err := hook.OnStateChange(from, to); err != nil {
			return fmt.Errorf("stage %s: %s to %s: %w", b.name, from, to, err)
		}
	}
	if to > from && to == StateReady {
		b.startLoop()
	}
	b.mu.Lock()
	b.state = to
	b.mu.Unlock()
	b.logger.Debug().Stringer("from", from).Stringer("to", to).Msg("state changed")
	return nil
}

func (b *Base) startLoop() {
	b.mu.Lock()
	b.inbox = make(chan Event, b.inboxSize)
	b.quit = make(chan struct{})
	inbox, quit := b.inbox, b.quit
	b.mu.Unlock()

	b.wg.Add(1)
	go b.run(inbox, quit)
}

func (b *Base) stopLoop() {
	b.mu.Lock()
	quit := b.quit
	b.inbox = nil
	b.quit = nil
	b.mu.Unlock()

	if quit != nil {
		close(quit)
	}
	b.wg.Wait()
}

func (b *Base) run(inbox <-chan Event, quit <-chan struct{}) {
	defer b.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			err := fmt.Errorf("stage %s panicked: %v\nStack trace:\n%s", b.name, r, string(buf[:n]))
			b.logger.Error().Err(err).Msg("stage goroutine panicked")
			if b.bus != nil {
				b.bus.PostError(b.name, err)
			}
		}
	}()

	for {
		select {
		case <-quit:
			return
		case ev := <-inbox:
			if b.runProbes(ev) {
				b.handler.HandleEvent(ev)
			}
		}
	}
}

// Push delivers an event to the stage input. Push blocks while the inbox
// is full and the stage is running; it returns immediately once the stage
// stops.
func (b *Base) Push(ev Event) {
	b.mu.Lock()
	inbox, quit := b.inbox, b.quit
	b.mu.Unlock()
	if inbox == nil {
		b.logger.Debug().Str("event", string(ev.EventType())).Msg("event dropped, stage not running")
		return
	}
	select {
	case inbox <- ev:
	case <-quit:
	}
}

func (b *Base) runProbes(ev Event) bool {
	b.mu.Lock()
	probes := make([]probeEntry, len(b.probes))
	copy(probes, b.probes)
	b.mu.Unlock()

	deliver := true
	for _, p := range probes {
		switch p.fn(ev) {
		case ProbeDrop:
			deliver = false
		case ProbeRemove:
			b.RemoveProbe(p.id)
		}
	}
	return deliver
}

// AddProbe installs an input probe and returns its id.
func (b *Base) AddProbe(fn ProbeFunc) ProbeID {
	id := NewProbeID()
	b.mu.Lock()
	b.probes = append(b.probes, probeEntry{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// RemoveProbe uninstalls a probe. Unknown ids are ignored.
func (b *Base) RemoveProbe(id ProbeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.probes {
		if p.id == id {
			b.probes = append(b.probes[:i], b.probes[i+1:]...)
			return
		}
	}
}

// Link connects the stage output to downstream. Fails when the media types
// cannot match or the output is already linked.
func (b *Base) Link(downstream Stage) error {
	if !Compatible(b.outputTypes, downstream.InputTypes()) {
		return fmt.Errorf("stage %s: output %v cannot feed %s input %v",
			b.name, b.outputTypes, downstream.Name(), downstream.InputTypes())
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.downstream != nil {
		return fmt.Errorf("stage %s: output already linked to %s", b.name, b.downstream.Name())
	}
	b.downstream = downstream
	return nil
}

// Unlink disconnects downstream. Fails when downstream is not the linked
// stage.
func (b *Base) Unlink(downstream Stage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.downstream != downstream {
		return fmt.Errorf("stage %s: not linked to %s", b.name, downstream.Name())
	}
	b.downstream = nil
	return nil
}

// Downstream returns the currently linked downstream stage, nil when
// unlinked.
func (b *Base) Downstream() Stage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.downstream
}

// Send pushes an event to the linked downstream stage. Events sent while
// unlinked are dropped.
func (b *Base) Send(ev Event) {
	b.mu.Lock()
	ds := b.downstream
	b.mu.Unlock()
	if ds == nil {
		b.logger.Debug().Str("event", string(ev.EventType())).Msg("event dropped, output not linked")
		return
	}
	ds.Push(ev)
}

// Package stages implements the processing elements media graphs are
// assembled from: network sources, the RTP chain, codec parsing, decode and
// encode around helper processes, buffering, fan-out and the sinks.
package stages

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// Tee copies its input to any number of request ports. The display chain
// and every recording chain hang off a tee port; ports come and go while
// the stream keeps flowing. The tee remembers the last caps it saw and
// replays them to ports linked mid-stream, so a late chain learns the
// stream format without waiting for the next caps announcement.
type Tee struct {
	name   string
	logger zerolog.Logger

	mu       sync.Mutex
	state    core.State
	ports    []*TeePort
	lastCaps *core.CapsEvent
}

// TeeConfig configures a tee
type TeeConfig struct {
	Name   string
	Logger zerolog.Logger
}

// NewTee creates a tee with no ports.
func NewTee(cfg TeeConfig) *Tee {
	return &Tee{
		name:   cfg.Name,
		logger: cfg.Logger.With().Str("module", cfg.Name).Logger(),
	}
}

func (t *Tee) Name() string {
	return t.name
}

// InputTypes accepts any media type; a tee copies without interpreting.
func (t *Tee) InputTypes() []core.MediaType {
	return nil
}

func (t *Tee) OutputTypes() []core.MediaType {
	return nil
}

func (t *Tee) State() core.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState records the state. A tee holds no resources and runs no
// goroutine; it fans out on the pushing goroutine. Dropping to Null
// forgets the remembered caps, the next stream announces its own.
func (t *Tee) SetState(target core.State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if target == core.StateNull {
		t.lastCaps = nil
	}
	t.state = target
	return nil
}

// Push copies the event to every linked port, in port order.
func (t *Tee) Push(ev core.Event) {
	t.mu.Lock()
	if caps, ok := ev.(core.CapsEvent); ok {
		c := caps
		t.lastCaps = &c
	}
	ports := make([]*TeePort, len(t.ports))
	copy(ports, t.ports)
	t.mu.Unlock()

	for _, port := range ports {
		port.push(ev)
	}
}

// RequestPort allocates a new output port. Port names are unique for the
// life of the process, so a released name never comes back to confuse
// logs or a stale handle.
func (t *Tee) RequestPort() (core.Port, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	port := &TeePort{
		name: "src_" + uuid.NewString(),
		tee:  t,
	}
	t.ports = append(t.ports, port)
	t.logger.Debug().Str("port", port.name).Msg("port requested")
	return port, nil
}

// ReleasePort deallocates a port. The port must belong to this tee and be
// unlinked.
func (t *Tee) ReleasePort(port core.Port) error {
	tp, ok := port.(*TeePort)
	if !ok || tp.tee != t {
		return fmt.Errorf("tee %s: port %s does not belong to this tee", t.name, port.Name())
	}
	tp.mu.Lock()
	linked := tp.target != nil
	tp.mu.Unlock()
	if linked {
		return fmt.Errorf("tee %s: port %s released while linked", t.name, port.Name())
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for i, p := range t.ports {
		if p == tp {
			t.ports = append(t.ports[:i], t.ports[i+1:]...)
			t.logger.Debug().Str("port", tp.name).Msg("port released")
			return nil
		}
	}
	return fmt.Errorf("tee %s: port %s already released", t.name, port.Name())
}

// Link allocates a port and links it to downstream. Unlink with the same
// stage later releases that port, so a tee can be wired with the plain
// stage contract as well as with explicit ports.
func (t *Tee) Link(downstream core.Stage) error {
	port, err := t.RequestPort()
	if err != nil {
		return err
	}
	if err := port.Link(downstream); err != nil {
		_ = t.ReleasePort(port)
		return err
	}
	return nil
}

// Unlink finds the port feeding downstream, unlinks it and releases it.
func (t *Tee) Unlink(downstream core.Stage) error {
	t.mu.Lock()
	var found *TeePort
	for _, p := range t.ports {
		p.mu.Lock()
		if p.target == downstream {
			found = p
		}
		p.mu.Unlock()
		if found != nil {
			break
		}
	}
	t.mu.Unlock()

	if found == nil {
		return fmt.Errorf("tee %s: no port feeds %s", t.name, downstream.Name())
	}
	if err := found.Unlink(); err != nil {
		return err
	}
	return t.ReleasePort(found)
}

// Ports returns the current number of allocated ports.
func (t *Tee) Ports() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ports)
}

func (t *Tee) stickyCaps() *core.CapsEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCaps
}

// TeePort is one output of a tee
type TeePort struct {
	name string
	tee  *Tee

	mu     sync.Mutex
	target core.Stage
}

func (p *TeePort) Name() string {
	return p.name
}

// Link starts feeding downstream. If the tee has already seen caps they
// are replayed into downstream before any further data.
func (p *TeePort) Link(downstream core.Stage) error {
	if !core.Compatible(nil, downstream.InputTypes()) {
		return fmt.Errorf("port %s: incompatible downstream %s", p.name, downstream.Name())
	}
	p.mu.Lock()
	if p.target != nil {
		linked := p.target.Name()
		p.mu.Unlock()
		return fmt.Errorf("port %s: already linked to %s", p.name, linked)
	}
	p.target = downstream
	p.mu.Unlock()

	if caps := p.tee.stickyCaps(); caps != nil {
		downstream.Push(*caps)
	}
	return nil
}

// Unlink stops feeding the downstream chain.
func (p *TeePort) Unlink() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.target == nil {
		return fmt.Errorf("port %s: not linked", p.name)
	}
	p.target = nil
	return nil
}

func (p *TeePort) push(ev core.Event) {
	p.mu.Lock()
	target := p.target
	p.mu.Unlock()
	if target != nil {
		target.Push(ev)
	}
}

package core

import "github.com/google/uuid"

// Stage is a node in a media graph. Events enter through Push and leave
// through the downstream stage set with Link. Implementations are safe for
// concurrent use: Push is called from upstream goroutines while state and
// link changes arrive from the control loop.
type Stage interface {
	Name() string

	// State returns the current state.
	State() State

	// SetState walks the stage to the target state one step at a time,
	// allocating or releasing resources along the way.
	SetState(target State) error

	// Link connects this stage's output to downstream's input. A stage
	// with a single output rejects a second link until Unlink.
	Link(downstream Stage) error

	// Unlink disconnects a previously linked downstream stage.
	Unlink(downstream Stage) error

	// Push delivers an event to this stage's input. Events pushed to a
	// stopped stage are dropped.
	Push(ev Event)

	// InputTypes returns the media types this stage accepts. Empty means
	// any.
	InputTypes() []MediaType

	// OutputTypes returns the media types this stage produces.
	OutputTypes() []MediaType
}

// ProbeAction tells a stage what to do with an event after a probe saw it
type ProbeAction int

const (
	// ProbePass delivers the event and keeps the probe installed.
	ProbePass ProbeAction = iota

	// ProbeDrop consumes the event; it is not delivered to the stage.
	ProbeDrop

	// ProbeRemove delivers the event and uninstalls the probe.
	ProbeRemove
)

// ProbeFunc observes events at a stage input. It runs on the stage's own
// goroutine just before the event is handled, so everything queued ahead
// of the event has already been processed. It must not block.
type ProbeFunc func(ev Event) ProbeAction

// ProbeID identifies an installed probe
type ProbeID string

// NewProbeID returns a unique probe identifier.
func NewProbeID() ProbeID {
	return ProbeID(uuid.NewString())
}

// Probeable is implemented by stages that allow observing events at their
// input. Branch teardown uses it to watch for the end-of-stream marker
// surfacing at the last stage of a draining chain, which by probe ordering
// means all data queued before the marker has been handled.
type Probeable interface {
	AddProbe(fn ProbeFunc) ProbeID
	RemoveProbe(id ProbeID)
}

// Port is an on-demand output of a fan-out stage. Each port feeds one
// downstream chain and is released when that chain detaches.
type Port interface {
	// Name returns the port name, unique within its stage.
	Name() string

	// Link directs this port's copy of the stream into downstream.
	Link(downstream Stage) error

	// Unlink stops feeding the port's downstream chain. The port itself
	// stays allocated until released.
	Unlink() error
}

// PortProvider is implemented by stages whose outputs are created on
// demand, such as the tee feeding display and recording chains.
type PortProvider interface {
	RequestPort() (Port, error)
	ReleasePort(port Port) error
}

package pipeline

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
	"github.com/rovlink/pipeline/eventloop"
	"github.com/rovlink/pipeline/future"
)

// BranchState tracks a branch through its lifecycle
type BranchState string

const (
	// BranchDetached is the initial and final state: no port held, no data
	// flowing.
	BranchDetached BranchState = "detached"

	// BranchAttached has a tee port feeding the chain.
	BranchAttached BranchState = "attached"

	// BranchFlushing has been cut off from the tee and is draining its
	// buffered data behind an end-of-stream marker.
	BranchFlushing BranchState = "flushing"
)

// Branch is a chain of stages fed from a tee port, attached and detached
// while the rest of the graph keeps playing. Recording chains are branches;
// the display chain uses the same mechanism when rebuilt. All methods must
// be called from the control loop.
type Branch struct {
	id     string
	name   string
	logger zerolog.Logger
	tee    core.PortProvider
	chain  []core.Stage

	state   BranchState
	port    core.Port
	probeID core.ProbeID
	probed  core.Probeable
}

// BranchConfig configures a branch
type BranchConfig struct {
	// Name identifies the branch in logs and errors.
	Name string

	Logger zerolog.Logger

	// Tee is the fan-out stage the branch hangs off.
	Tee core.PortProvider

	// Chain holds the branch stages head first, sink last. They must be
	// unlinked and in the Null state.
	Chain []core.Stage
}

// NewBranch creates a detached branch. The last chain stage must support
// input probes; the end-of-stream watch during detach depends on it.
func NewBranch(cfg BranchConfig) (*Branch, error) {
	if len(cfg.Chain) == 0 {
		return nil, fmt.Errorf("branch %s: chain must have at least one stage", cfg.Name)
	}
	last, ok := cfg.Chain[len(cfg.Chain)-1].(core.Probeable)
	if !ok {
		return nil, fmt.Errorf("branch %s: last stage %s does not support probes",
			cfg.Name, cfg.Chain[len(cfg.Chain)-1].Name())
	}
	id := uuid.NewString()
	return &Branch{
		id:     id,
		name:   cfg.Name,
		logger: cfg.Logger.With().Str("module", "branch").Str("branch", cfg.Name).Str("id", id).Logger(),
		tee:    cfg.Tee,
		chain:  cfg.Chain,
		state:  BranchDetached,
		probed: last,
	}, nil
}

// ID returns the unique identifier assigned at creation. Reattachment
// creates a new branch with a new identifier.
func (br *Branch) ID() string {
	return br.id
}

// Name returns the branch name.
func (br *Branch) Name() string {
	return br.name
}

// State returns the branch lifecycle state.
func (br *Branch) State() BranchState {
	return br.state
}

// Head returns the first stage of the chain.
func (br *Branch) Head() core.Stage {
	return br.chain[0]
}

// Attach links the chain internally, brings every stage to the given graph
// state sink-first, then requests a tee port and starts the flow. On any
// failure the chain is unwound to its detached state.
func (br *Branch) Attach(graphState core.State) error {
	if br.state != BranchDetached {
		return fmt.Errorf("branch %s: attach while %s", br.name, br.state)
	}

	for i := 0; i < len(br.chain)-1; i++ {
		if err := br.chain[i].Link(br.chain[i+1]); err != nil {
			br.unlinkChain(i - 1)
			return fmt.Errorf("branch %s: %w", br.name, err)
		}
	}

	// Sinks come up first so the head never feeds a stage that is not
	// ready for data.
	for i := len(br.chain) - 1; i >= 0; i-- {
		if err := br.chain[i].SetState(graphState); err != nil {
			br.stopChain()
			br.unlinkChain(len(br.chain) - 2)
			return fmt.Errorf("branch %s: %w", br.name, err)
		}
	}

	port, err := br.tee.RequestPort()
	if err != nil {
		br.stopChain()
		br.unlinkChain(len(br.chain) - 2)
		return fmt.Errorf("branch %s: %w", br.name, err)
	}
	if err := port.Link(br.chain[0]); err != nil {
		if rerr := br.tee.ReleasePort(port); rerr != nil {
			br.logger.Error().Err(rerr).Msg("port release failed during attach rollback")
		}
		br.stopChain()
		br.unlinkChain(len(br.chain) - 2)
		return fmt.Errorf("branch %s: %w", br.name, err)
	}

	br.port = port
	br.state = BranchAttached
	br.logger.Info().Str("port", port.Name()).Stringer("state", graphState).Msg("branch attached")
	return nil
}

// Detach cuts the branch off from the tee and drains it. The returned
// future resolves on the control loop once the end-of-stream marker has
// reached the last stage and the chain has been stopped and unlinked.
//
// The teardown order is fixed: the tee port is unlinked first so no new
// data enters, an end-of-stream marker is pushed behind whatever is still
// buffered, and only after that marker surfaces at the last stage's input
// is the port released and the chain stopped. Detaching a branch that is
// not attached is a caller bug and fails loudly instead of being ignored.
func (br *Branch) Detach(loop *eventloop.Loop) (*future.Future[struct{}], error) {
	if br.state != BranchAttached {
		err := fmt.Errorf("branch %s: detach while %s", br.name, br.state)
		br.logger.Error().Err(err).Msg("detach on a branch that is not attached")
		return nil, err
	}

	if err := br.port.Unlink(); err != nil {
		return nil, fmt.Errorf("branch %s: %w", br.name, err)
	}
	br.state = BranchFlushing

	fut, promise := future.New[struct{}](loop)

	// The watch must be in place before the marker is pushed; a short
	// chain can drain faster than the control loop turns around.
	br.probeID = br.probed.AddProbe(func(ev core.Event) core.ProbeAction {
		if ev.EventType() == core.EventTypeEOS {
			promise.Resolve(struct{}{})
			return core.ProbeRemove
		}
		return core.ProbePass
	})

	// Pushed from its own goroutine: the head's inbox may be full and the
	// control loop must never block on a draining chain.
	head := br.chain[0]
	go head.Push(core.EOSEvent{})

	fut.ForEach(func(struct{}) {
		br.finish()
	})

	br.logger.Info().Msg("branch flushing")
	return fut, nil
}

// finish releases the port and dismantles the drained chain. Runs on the
// control loop as the first callback of the detach future.
func (br *Branch) finish() {
	if br.state != BranchFlushing {
		return
	}
	if err := br.tee.ReleasePort(br.port); err != nil {
		br.logger.Error().Err(err).Msg("port release failed")
	}
	br.port = nil
	br.probeID = ""
	br.stopChain()
	br.unlinkChain(len(br.chain) - 2)
	br.state = BranchDetached
	br.logger.Info().Msg("branch detached")
}

// ForceDetach abandons an unresponsive flush: the watch is removed, the
// port released and every chain stage driven to Null no matter what. Used
// by the liveness timeout after the graph itself has been force-stopped.
func (br *Branch) ForceDetach() {
	if br.state == BranchDetached {
		return
	}
	if br.probeID != "" {
		br.probed.RemoveProbe(br.probeID)
		br.probeID = ""
	}
	if br.port != nil {
		if br.state == BranchAttached {
			if err := br.port.Unlink(); err != nil {
				br.logger.Error().Err(err).Msg("port unlink failed during force detach")
			}
		}
		if err := br.tee.ReleasePort(br.port); err != nil {
			br.logger.Error().Err(err).Msg("port release failed during force detach")
		}
		br.port = nil
	}
	br.stopChain()
	br.unlinkChain(len(br.chain) - 2)
	br.state = BranchDetached
	br.logger.Warn().Msg("branch force detached")
}

// stopChain drives every stage to Null, head first so nothing pushes into
// a stopped stage.
func (br *Branch) stopChain() {
	for _, stage := range br.chain {
		if err := stage.SetState(core.StateNull); err != nil {
			br.logger.Error().Err(err).Str("stage", stage.Name()).Msg("stage refused to stop")
		}
	}
}

// unlinkChain removes the internal links up to and including index last.
func (br *Branch) unlinkChain(last int) {
	for i := last; i >= 0; i-- {
		if err := br.chain[i].Unlink(br.chain[i+1]); err != nil {
			br.logger.Error().Err(err).Str("stage", br.chain[i].Name()).Msg("unlink failed")
		}
	}
}

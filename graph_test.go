package pipeline

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rovlink/pipeline/core"
)

// buildChain wires src -> mid -> sink sharing one transition journal.
func buildChain(t *testing.T, j *journal) (*Graph, *fakeStage, *fakeStage, *fakeStage) {
	t.Helper()
	src := newFakeStage("src", j)
	mid := newFakeStage("mid", j)
	sink := newFakeStage("sink", j)

	graph, err := NewGraphBuilder("chain").
		AddStage(src).
		AddStage(mid).
		AddStage(sink).
		Connect("src", "mid").
		Connect("mid", "sink").
		SetSource("src").
		Build()
	require.NoError(t, err)
	return graph, src, mid, sink
}

func TestGraphWalksUpSinkFirst(t *testing.T) {
	j := &journal{}
	graph, _, _, _ := buildChain(t, j)

	require.NoError(t, graph.SetState(core.StatePlaying))
	require.Equal(t, core.StatePlaying, graph.State())

	// Each state step sweeps the whole graph before the next step starts,
	// and within a step downstream stages change first.
	require.Equal(t, []string{
		"sink:ready", "mid:ready", "src:ready",
		"sink:paused", "mid:paused", "src:paused",
		"sink:playing", "mid:playing", "src:playing",
	}, j.snapshot())
}

func TestGraphWalksDownSourceFirst(t *testing.T) {
	j := &journal{}
	graph, _, _, _ := buildChain(t, j)
	require.NoError(t, graph.SetState(core.StatePlaying))

	before := len(j.snapshot())
	require.NoError(t, graph.SetState(core.StateNull))
	require.Equal(t, core.StateNull, graph.State())

	require.Equal(t, []string{
		"src:paused", "mid:paused", "sink:paused",
		"src:ready", "mid:ready", "sink:ready",
		"src:null", "mid:null", "sink:null",
	}, j.snapshot()[before:])
}

func TestGraphSetStateIsIdempotent(t *testing.T) {
	j := &journal{}
	graph, _, _, _ := buildChain(t, j)

	require.NoError(t, graph.SetState(core.StatePlaying))
	walked := len(j.snapshot())
	require.NoError(t, graph.SetState(core.StatePlaying))
	require.Len(t, j.snapshot(), walked, "a no-op target must not touch the stages")
}

func TestGraphSetStateAbortsOnFirstFailure(t *testing.T) {
	boom := errors.New("no decoder")
	graph, src, mid, sink := buildChain(t, nil)
	mid.failOn = func(from, to core.State) error {
		if to == core.StatePaused {
			return boom
		}
		return nil
	}

	err := graph.SetState(core.StatePlaying)
	require.ErrorIs(t, err, boom)

	// The ready step completed, the paused step died halfway: the sink
	// moved before mid failed, the source was never reached.
	require.Equal(t, core.StateReady, graph.State())
	require.Equal(t, core.StatePaused, sink.State())
	require.Equal(t, core.StateReady, mid.State())
	require.Equal(t, core.StateReady, src.State())
}

func TestGraphForceStopSweepsPastFailures(t *testing.T) {
	boom := errors.New("flush stuck")
	graph, src, mid, sink := buildChain(t, nil)
	require.NoError(t, graph.SetState(core.StatePlaying))

	mid.failOn = func(from, to core.State) error {
		if from == core.StatePlaying {
			return boom
		}
		return nil
	}

	err := graph.ForceStop()
	require.ErrorIs(t, err, boom)

	// Every other stage still came down and the graph reports Null.
	require.Equal(t, core.StateNull, src.State())
	require.Equal(t, core.StateNull, sink.State())
	require.Equal(t, core.StatePlaying, mid.State())
	require.Equal(t, core.StateNull, graph.State())
}

func TestGraphAllNodesKeepsInsertionOrder(t *testing.T) {
	graph, _, _, _ := buildChain(t, nil)

	var names []string
	for _, node := range graph.AllNodes() {
		names = append(names, node.Name())
	}
	require.Equal(t, []string{"src", "mid", "sink"}, names)
}

func TestValidationErrorFormatting(t *testing.T) {
	err := ValidationError{Message: "graph validation failed", Details: "cycle detected in pipeline graph"}
	require.Equal(t, "graph validation failed: cycle detected in pipeline graph", err.Error())

	bare := ValidationError{Message: "graph validation failed"}
	require.Equal(t, "graph validation failed", bare.Error())
}

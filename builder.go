package pipeline

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// GraphBuilder constructs media graphs with a fluent API. Stages and edges
// accumulate unlinked; Build validates the whole topology first and only
// then links stages, so a failed build leaves every stage untouched.
type GraphBuilder struct {
	name   string
	logger zerolog.Logger
	bus    *core.Bus

	stages []core.Stage
	edges  []edgeConfig
	source string
}

// edgeConfig holds configuration for an edge
type edgeConfig struct {
	from string
	to   string
}

// NewGraphBuilder creates a builder for a named graph.
func NewGraphBuilder(name string) *GraphBuilder {
	return &GraphBuilder{name: name, logger: zerolog.Nop()}
}

// WithLogger sets the logger stages and the graph report through.
func (b *GraphBuilder) WithLogger(logger zerolog.Logger) *GraphBuilder {
	b.logger = logger
	return b
}

// WithBus sets the message bus for out-of-band stage reports.
func (b *GraphBuilder) WithBus(bus *core.Bus) *GraphBuilder {
	b.bus = bus
	return b
}

// AddStage adds a stage node to the graph, keyed by its element name.
func (b *GraphBuilder) AddStage(stage core.Stage) *GraphBuilder {
	b.stages = append(b.stages, stage)
	return b
}

// Connect records an edge between two stages by element name.
func (b *GraphBuilder) Connect(from, to string) *GraphBuilder {
	b.edges = append(b.edges, edgeConfig{from: from, to: to})
	return b
}

// SetSource marks the stage data originates from. Reachability is checked
// from here.
func (b *GraphBuilder) SetSource(name string) *GraphBuilder {
	b.source = name
	return b
}

// Build validates the accumulated topology and links the stages. On any
// error no stage is left linked and the returned graph is nil.
func (b *GraphBuilder) Build() (*Graph, error) {
	if len(b.stages) == 0 {
		return nil, fmt.Errorf("build %s: graph must have at least one stage", b.name)
	}
	if b.source == "" {
		return nil, fmt.Errorf("build %s: source stage must be set", b.name)
	}

	graph := newGraph(b.name, b.logger, b.bus)

	for _, stage := range b.stages {
		if err := graph.addNode(stage.Name(), stage); err != nil {
			return nil, fmt.Errorf("build %s: %w", b.name, err)
		}
	}

	for _, edge := range b.edges {
		if err := graph.addEdge(edge.from, edge.to); err != nil {
			return nil, fmt.Errorf("build %s: %w", b.name, err)
		}
	}

	if err := graph.setSource(b.source); err != nil {
		return nil, fmt.Errorf("build %s: %w", b.name, err)
	}

	if err := ValidateGraph(graph); err != nil {
		return nil, fmt.Errorf("build %s: %w", b.name, err)
	}

	graph.computeTopo()

	// Link stages only after the topology is known to be sound. A link
	// that still fails, for example a third edge out of a two-port stage,
	// rolls back every link made so far.
	var linked []*graphEdge
	for _, node := range graph.AllNodes() {
		for _, edge := range node.Outputs() {
			if err := edge.From().Stage().Link(edge.To().Stage()); err != nil {
				for _, done := range linked {
					if uerr := done.From().Stage().Unlink(done.To().Stage()); uerr != nil {
						b.logger.Error().Err(uerr).
							Str("from", done.From().Name()).
							Str("to", done.To().Name()).
							Msg("rollback unlink failed")
					}
				}
				return nil, fmt.Errorf("build %s: link %s to %s: %w",
					b.name, edge.From().Name(), edge.To().Name(), err)
			}
			linked = append(linked, edge)
		}
	}

	return graph, nil
}

// Package pipeline assembles and drives media graphs for a remote vehicle's
// video link: a live source feeding decode, display and recording chains
// through dynamically attachable branches.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rovlink/pipeline/core"
)

// Graph is a compiled media topology: stages wired source to sink, driven
// through the Null, Ready, Paused and Playing states as one unit. Graphs
// are built with GraphBuilder and must not be mutated afterwards except
// through branch attachment at a tee.
type Graph struct {
	name   string
	logger zerolog.Logger
	bus    *core.Bus

	// nodes maps stage names to their graph node representations
	nodes map[string]*graphNode

	// order holds stage names in insertion order
	order []string

	// source is the name of the stage data originates from
	source string

	// topo holds stage names in topological order, source first. State
	// changes walk it in sink-first order on the way up and source-first
	// on the way down.
	topo []string

	mu    sync.Mutex
	state core.State
}

// graphNode represents a stage in the pipeline graph
type graphNode struct {
	name    string
	stage   core.Stage
	outputs []*graphEdge
	inputs  []*graphEdge
}

// graphEdge represents a directed link between two stages
type graphEdge struct {
	from *graphNode
	to   *graphNode
}

func newGraph(name string, logger zerolog.Logger, bus *core.Bus) *Graph {
	return &Graph{
		name:   name,
		logger: logger.With().Str("module", "graph").Str("pipeline", name).Logger(),
		bus:    bus,
		nodes:  make(map[string]*graphNode),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string {
	return g.name
}

// Bus returns the message bus stages report errors and warnings on.
func (g *Graph) Bus() *core.Bus {
	return g.bus
}

// StageByName returns a stage by its element name, nil when absent.
func (g *Graph) StageByName(name string) core.Stage {
	node, ok := g.nodes[name]
	if !ok {
		return nil
	}
	return node.stage
}

// SourceNode returns the node data originates from
func (g *Graph) SourceNode() *graphNode {
	if g.source == "" {
		return nil
	}
	return g.nodes[g.source]
}

// AllNodes returns all nodes in the graph, in insertion order
func (g *Graph) AllNodes() []*graphNode {
	nodes := make([]*graphNode, 0, len(g.nodes))
	for _, name := range g.order {
		nodes = append(nodes, g.nodes[name])
	}
	return nodes
}

// State returns the graph state as of the last SetState call.
func (g *Graph) State() core.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// SetState walks every stage to the target state one state at a time.
// Going up, downstream stages change first so sinks are ready before
// sources produce. Going down, sources stop first. The first stage failure
// aborts the walk with the graph left in its partial state; callers
// recover with ForceStop.
func (g *Graph) SetState(target core.State) error {
	g.mu.Lock()
	current := g.state
	g.mu.Unlock()

	for current != target {
		next := current + 1
		if target < current {
			next = current - 1
		}
		if err := g.stepAll(next, target > current); err != nil {
			return err
		}
		current = next
		g.mu.Lock()
		g.state = current
		g.mu.Unlock()
		g.logger.Debug().Stringer("state", current).Msg("graph state changed")
	}
	return nil
}

func (g *Graph) stepAll(next core.State, up bool) error {
	order := g.topo
	if up {
		order = reversed(order)
	}
	for _, name := range order {
		if err := g.nodes[name].stage.SetState(next); err != nil {
			return fmt.Errorf("graph %s: %w", g.name, err)
		}
	}
	return nil
}

// ForceStop drives every stage to Null regardless of individual failures,
// sources first. It is the recovery path when a graph stops responding,
// for example a branch flush that never completes. The combined error
// lists every stage that refused to stop.
func (g *Graph) ForceStop() error {
	var errs []error
	for _, name := range g.topo {
		if err := g.nodes[name].stage.SetState(core.StateNull); err != nil {
			g.logger.Error().Err(err).Str("stage", name).Msg("stage refused to stop")
			errs = append(errs, err)
		}
	}
	g.mu.Lock()
	g.state = core.StateNull
	g.mu.Unlock()
	return errors.Join(errs...)
}

func reversed(names []string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[len(names)-1-i] = name
	}
	return out
}

// addNode adds a stage node to the graph
func (g *Graph) addNode(name string, stage core.Stage) error {
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("stage %q already exists in graph", name)
	}

	g.nodes[name] = &graphNode{
		name:    name,
		stage:   stage,
		outputs: make([]*graphEdge, 0),
		inputs:  make([]*graphEdge, 0),
	}
	g.order = append(g.order, name)

	return nil
}

// addEdge adds a directed edge from source to destination
func (g *Graph) addEdge(fromName, toName string) error {
	fromNode, exists := g.nodes[fromName]
	if !exists {
		return fmt.Errorf("source stage %q does not exist", fromName)
	}

	toNode, exists := g.nodes[toName]
	if !exists {
		return fmt.Errorf("destination stage %q does not exist", toName)
	}

	edge := &graphEdge{from: fromNode, to: toNode}
	fromNode.outputs = append(fromNode.outputs, edge)
	toNode.inputs = append(toNode.inputs, edge)

	return nil
}

// setSource marks the stage data originates from
func (g *Graph) setSource(name string) error {
	if _, exists := g.nodes[name]; !exists {
		return fmt.Errorf("source stage %q does not exist", name)
	}
	g.source = name
	return nil
}

// computeTopo orders stage names so every edge points forward. Must run
// after validation has ruled out cycles.
func (g *Graph) computeTopo() {
	visited := make(map[string]bool)
	var order []string

	var visit func(node *graphNode)
	visit = func(node *graphNode) {
		if visited[node.name] {
			return
		}
		visited[node.name] = true
		for _, edge := range node.outputs {
			visit(edge.to)
		}
		order = append(order, node.name)
	}

	// Start from the source so the main flow dominates the ordering, then
	// sweep up any remaining nodes.
	if src := g.SourceNode(); src != nil {
		visit(src)
	}
	for _, name := range g.order {
		visit(g.nodes[name])
	}

	// Post-order DFS yields sinks first; reverse to get source first.
	g.topo = reversed(order)
}

// graphNode methods

// Name returns the node's name
func (n *graphNode) Name() string {
	return n.name
}

// Stage returns the stage associated with this node
func (n *graphNode) Stage() core.Stage {
	return n.stage
}

// Outputs returns all outgoing edges
func (n *graphNode) Outputs() []*graphEdge {
	return n.outputs
}

// Inputs returns all incoming edges
func (n *graphNode) Inputs() []*graphEdge {
	return n.inputs
}

// graphEdge methods

// From returns the source node
func (e *graphEdge) From() *graphNode {
	return e.from
}

// To returns the destination node
func (e *graphEdge) To() *graphNode {
	return e.to
}

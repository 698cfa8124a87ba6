package pipeline

import (
	"fmt"

	"github.com/rovlink/pipeline/core"
)

// ValidationError represents a graph validation error with context
type ValidationError struct {
	Message string
	Details string
}

func (e ValidationError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Details)
	}
	return e.Message
}

// ValidateGraph checks a graph before any stage is linked: the source must
// exist, the topology must be acyclic, every stage must be reachable from
// the source and every edge must connect media-compatible stages.
func ValidateGraph(graph *Graph) error {
	if graph.SourceNode() == nil {
		return ValidationError{
			Message: "graph validation failed",
			Details: "no source stage defined",
		}
	}

	if err := detectCycles(graph); err != nil {
		return err
	}

	if err := checkReachability(graph); err != nil {
		return err
	}

	if err := validateLinkCompatibility(graph); err != nil {
		return err
	}

	return nil
}

// detectCycles uses depth-first search to detect cycles in the graph
func detectCycles(graph *Graph) error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, node := range graph.AllNodes() {
		if !visited[node.Name()] {
			if hasCycle(node, visited, recStack) {
				return ValidationError{
					Message: "graph validation failed",
					Details: "cycle detected in pipeline graph",
				}
			}
		}
	}

	return nil
}

// hasCycle performs DFS to detect cycles
func hasCycle(node *graphNode, visited, recStack map[string]bool) bool {
	visited[node.Name()] = true
	recStack[node.Name()] = true

	for _, edge := range node.Outputs() {
		neighbor := edge.To()

		if !visited[neighbor.Name()] {
			if hasCycle(neighbor, visited, recStack) {
				return true
			}
		} else if recStack[neighbor.Name()] {
			// Back edge found, the graph has a cycle
			return true
		}
	}

	recStack[node.Name()] = false
	return false
}

// checkReachability verifies that all stages receive data from the source
func checkReachability(graph *Graph) error {
	source := graph.SourceNode()
	if source == nil {
		return ValidationError{
			Message: "graph validation failed",
			Details: "no source stage defined",
		}
	}

	reachable := make(map[string]bool)
	dfsReachability(source, reachable)

	for _, node := range graph.AllNodes() {
		if !reachable[node.Name()] {
			return ValidationError{
				Message: "graph validation failed",
				Details: fmt.Sprintf("stage %q is unreachable from the source", node.Name()),
			}
		}
	}

	return nil
}

// dfsReachability performs DFS to mark all reachable nodes
func dfsReachability(node *graphNode, reachable map[string]bool) {
	if reachable[node.Name()] {
		return
	}

	reachable[node.Name()] = true

	for _, edge := range node.Outputs() {
		dfsReachability(edge.To(), reachable)
	}
}

// validateLinkCompatibility checks that every edge connects stages whose
// media types can match
func validateLinkCompatibility(graph *Graph) error {
	for _, node := range graph.AllNodes() {
		outputTypes := node.Stage().OutputTypes()

		for _, edge := range node.Outputs() {
			downstream := edge.To()
			inputTypes := downstream.Stage().InputTypes()

			if !core.Compatible(outputTypes, inputTypes) {
				return ValidationError{
					Message: "graph validation failed",
					Details: fmt.Sprintf(
						"incompatible media between stage %q (outputs: %v) and stage %q (inputs: %v)",
						node.Name(), outputTypes,
						downstream.Name(), inputTypes,
					),
				}
			}
		}
	}

	return nil
}

package task

import (
	"context"

	"github.com/edurdias/flux/internal"
)

// Map runs t once per element of items as an independently replayable,
// independently retried task call.
func Map(ctx context.Context, ec *internal.Context, t *Task, items []interface{}) ([]interface{}, error) {
	return internal.Map(ctx, ec, t.inner, items)
}

// Pipeline chains tasks so each one's output becomes the next one's sole
// input, starting from input.
func Pipeline(ctx context.Context, ec *internal.Context, input interface{}, tasks ...*Task) (interface{}, error) {
	inner := make([]*internal.Task, len(tasks))
	for i, t := range tasks {
		inner[i] = t.inner
	}
	return internal.Pipeline(ctx, ec, input, inner...)
}

// Parallel awaits N in-flight task calls, cancelling the remaining
// siblings on the first error.
func Parallel(ctx context.Context, ec *internal.Context, calls ...func(ctx context.Context) (interface{}, error)) ([]interface{}, error) {
	return internal.Parallel(ctx, ec, calls...)
}

// GraphNode is one named step of a Graph.
type GraphNode struct {
	Name string
	Task *Task
	From []string
}

// Graph is a directed acyclic pipeline of named task nodes.
type Graph struct {
	inner *internal.Graph
}

// NewGraph builds a Graph from nodes, rejecting cycles at build time.
func NewGraph(start, end string, nodes []GraphNode) (*Graph, error) {
	innerNodes := make([]*internal.GraphNode, len(nodes))
	for i, n := range nodes {
		innerNodes[i] = &internal.GraphNode{Name: n.Name, Task: n.Task.inner, From: n.From}
	}
	g, err := internal.NewGraph(start, end, innerNodes)
	if err != nil {
		return nil, err
	}
	return &Graph{inner: g}, nil
}

// Run executes every node in topological order and returns the end node's
// output.
func (g *Graph) Run(ctx context.Context, ec *internal.Context) (interface{}, error) {
	return g.inner.Run(ctx, ec)
}

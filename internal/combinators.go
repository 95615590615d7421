package internal

import (
	"context"
	"fmt"
	"sync"
)

// Map runs t once per element of items, each as its own recorded task
// event with the element's position folded into the replay key, so
// element failures follow the same retry/fallback policy independently
// and are individually replayable.
func Map(ctx context.Context, ec *Context, t *Task, items []interface{}) ([]interface{}, error) {
	out := make([]interface{}, len(items))
	for i, item := range items {
		kwargs := map[string]interface{}{"__index": i}
		v, err := t.Run(ctx, ec, []interface{}{item}, kwargs)
		if err != nil {
			return nil, fmt.Errorf("map element %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Pipeline composes tasks so that each task's output becomes the next
// task's sole input, starting from input.
func Pipeline(ctx context.Context, ec *Context, input interface{}, tasks ...*Task) (interface{}, error) {
	value := input
	for _, t := range tasks {
		v, err := t.Run(ctx, ec, []interface{}{value}, nil)
		if err != nil {
			return nil, err
		}
		value = v
	}
	return value, nil
}

// ParallelResult is the result of one branch of a Parallel call.
type ParallelResult struct {
	Value interface{}
	Err   error
}

// Parallel awaits N in-flight task calls. The first error to occur cancels
// the remaining siblings (via ctx) and Parallel returns that one error,
// wrapped with its branch index; the siblings' own errors are not
// returned. When every call succeeds it returns their values in call order.
func Parallel(ctx context.Context, ec *Context, calls ...func(ctx context.Context) (interface{}, error)) ([]interface{}, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]ParallelResult, len(calls))
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call func(ctx context.Context) (interface{}, error)) {
			defer wg.Done()
			v, err := call(runCtx)
			results[i] = ParallelResult{Value: v, Err: err}
			if err != nil {
				once.Do(func() { firstErr = fmt.Errorf("parallel branch %d: %w", i, err) })
				cancel()
			}
		}(i, call)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	values := make([]interface{}, len(results))
	for i, r := range results {
		values[i] = r.Value
	}
	return values, nil
}

// GraphNode is one named step of a Graph: a task bound to the edges that
// feed it.
type GraphNode struct {
	Name string
	Task *Task
	// From lists the upstream node names whose outputs become this node's
	// positional args, in order.
	From []string
}

// Graph is a directed acyclic pipeline of named task nodes, resolved in
// topological order; Run evaluates the nodes one at a time in that order,
// including nodes with no data dependency on one another.
type Graph struct {
	start string
	end   string
	nodes map[string]*GraphNode
	order []string
}

// NewGraph builds a Graph from nodes, validating that it is acyclic and
// that start/end name real nodes. Cyclic graphs are rejected at build
// time.
func NewGraph(start, end string, nodes []*GraphNode) (*Graph, error) {
	byName := make(map[string]*GraphNode, len(nodes))
	for _, n := range nodes {
		if _, dup := byName[n.Name]; dup {
			return nil, fmt.Errorf("graph: duplicate node %q", n.Name)
		}
		byName[n.Name] = n
	}
	if _, ok := byName[start]; !ok {
		return nil, fmt.Errorf("graph: start node %q not found", start)
	}
	if _, ok := byName[end]; !ok {
		return nil, fmt.Errorf("graph: end node %q not found", end)
	}

	order, err := topoSort(byName)
	if err != nil {
		return nil, err
	}
	return &Graph{start: start, end: end, nodes: byName, order: order}, nil
}

func topoSort(nodes map[string]*GraphNode) ([]string, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(nodes))
	var order []string

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("graph: cycle detected at %q (path %v)", name, append(path, name))
		}
		node, ok := nodes[name]
		if !ok {
			return fmt.Errorf("graph: node %q references unknown dependency", name)
		}
		color[name] = gray
		for _, dep := range node.From {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	for name := range nodes {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Run executes every node in topological order, feeding each node's
// dependency outputs forward as positional args, and returns the end
// node's output.
func (g *Graph) Run(ctx context.Context, ec *Context) (interface{}, error) {
	outputs := make(map[string]interface{}, len(g.nodes))
	for _, name := range g.order {
		node := g.nodes[name]
		args := make([]interface{}, len(node.From))
		for i, dep := range node.From {
			args[i] = outputs[dep]
		}
		v, err := node.Task.Run(ctx, ec, args, nil)
		if err != nil {
			return nil, fmt.Errorf("graph node %q: %w", name, err)
		}
		outputs[name] = v
	}
	return outputs[g.end], nil
}

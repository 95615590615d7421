package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMap_RunsPerElementAndReplaysIndependently(t *testing.T) {
	require := require.New(t)
	rt := newTestRuntime()
	ec := NewContext("exec-map", "wf-1", "demo", nil)

	calls := 0
	double := rt.NewTask(Options{Name: "double"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		calls++
		return args[0].(int) * 2, nil
	})

	out, err := Map(context.Background(), ec, double, []interface{}{1, 2, 3})
	require.NoError(err)
	require.Equal([]interface{}{2, 4, 6}, out)
	require.Equal(3, calls)

	// Re-running over the same log replays every element without
	// re-invoking the procedure.
	out2, err := Map(context.Background(), ec, double, []interface{}{1, 2, 3})
	require.NoError(err)
	require.Equal(out, out2)
	require.Equal(3, calls)
}

func TestMap_SurfacesElementFailureWithPosition(t *testing.T) {
	require := require.New(t)
	rt := newTestRuntime()
	ec := NewContext("exec-map-fail", "wf-1", "demo", nil)

	boom := rt.NewTask(Options{Name: "boom"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		if args[0].(int) == 2 {
			return nil, errors.New("bad element")
		}
		return args[0], nil
	})

	_, err := Map(context.Background(), ec, boom, []interface{}{1, 2, 3})
	require.Error(err)
	require.Contains(err.Error(), "map element 1")
}

func TestPipeline_FeedsOutputsForward(t *testing.T) {
	require := require.New(t)
	rt := newTestRuntime()
	ec := NewContext("exec-pipe", "wf-1", "demo", nil)

	inc := rt.NewTask(Options{Name: "inc"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return args[0].(int) + 1, nil
	})
	double := rt.NewTask(Options{Name: "double"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return args[0].(int) * 2, nil
	})

	out, err := Pipeline(context.Background(), ec, 3, inc, double)
	require.NoError(err)
	require.Equal(8, out)
}

func TestParallel_ReturnsValuesInCallOrder(t *testing.T) {
	require := require.New(t)
	ec := NewContext("exec-par", "wf-1", "demo", nil)

	out, err := Parallel(context.Background(), ec,
		func(ctx context.Context) (interface{}, error) { return "a", nil },
		func(ctx context.Context) (interface{}, error) { return "b", nil },
		func(ctx context.Context) (interface{}, error) { return "c", nil },
	)
	require.NoError(err)
	require.Equal([]interface{}{"a", "b", "c"}, out)
}

func TestParallel_FirstErrorCancelsSiblings(t *testing.T) {
	require := require.New(t)
	ec := NewContext("exec-par-err", "wf-1", "demo", nil)

	siblingSawCancel := false
	_, err := Parallel(context.Background(), ec,
		func(ctx context.Context) (interface{}, error) {
			return nil, errors.New("first failure")
		},
		func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			siblingSawCancel = true
			return nil, ctx.Err()
		},
	)
	require.Error(err)
	require.True(siblingSawCancel)
}

func TestNewGraph_RejectsCycles(t *testing.T) {
	require := require.New(t)
	rt := newTestRuntime()
	noop := rt.NewTask(Options{Name: "noop"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return nil, nil
	})

	_, err := NewGraph("a", "b", []*GraphNode{
		{Name: "a", Task: noop, From: []string{"b"}},
		{Name: "b", Task: noop, From: []string{"a"}},
	})
	require.Error(err)
	require.Contains(err.Error(), "cycle")
}

func TestNewGraph_RejectsUnknownStartEndAndDeps(t *testing.T) {
	require := require.New(t)
	rt := newTestRuntime()
	noop := rt.NewTask(Options{Name: "noop"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return nil, nil
	})

	_, err := NewGraph("missing", "a", []*GraphNode{{Name: "a", Task: noop}})
	require.Error(err)

	_, err = NewGraph("a", "missing", []*GraphNode{{Name: "a", Task: noop}})
	require.Error(err)

	_, err = NewGraph("a", "a", []*GraphNode{{Name: "a", Task: noop, From: []string{"ghost"}}})
	require.Error(err)
}

func TestGraph_ResolvesTopologically(t *testing.T) {
	require := require.New(t)
	rt := newTestRuntime()
	ec := NewContext("exec-graph", "wf-1", "demo", nil)

	constant := func(v int) Func {
		return func(ctx context.Context, args ...interface{}) (interface{}, error) { return v, nil }
	}
	sum := func(ctx context.Context, args ...interface{}) (interface{}, error) {
		total := 0
		for _, a := range args {
			total += a.(int)
		}
		return total, nil
	}

	g, err := NewGraph("left", "join", []*GraphNode{
		{Name: "left", Task: rt.NewTask(Options{Name: "left"}, constant(2))},
		{Name: "right", Task: rt.NewTask(Options{Name: "right"}, constant(3))},
		{Name: "join", Task: rt.NewTask(Options{Name: "join"}, sum), From: []string{"left", "right"}},
	})
	require.NoError(err)

	out, err := g.Run(context.Background(), ec)
	require.NoError(err)
	require.Equal(5, out)
}

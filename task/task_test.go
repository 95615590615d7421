package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edurdias/flux/internal"
)

func TestTask_RunReturnsFunctionResult(t *testing.T) {
	require := require.New(t)
	rt := NewRuntime()
	ec := internal.NewContext("e1", "w1", "demo", nil)

	greet := rt.New(Options{Name: "greet"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return "hello " + args[0].(string), nil
	})

	out, err := greet.Run(context.Background(), ec, []interface{}{"world"}, nil)
	require.NoError(err)
	require.Equal("hello world", out)
}

func TestNow_UsesRuntimeClock(t *testing.T) {
	require := require.New(t)
	rt := NewRuntime()
	mock := internal.NewMockClock()
	mock.Add(42 * time.Minute)
	rt.inner.Clock = mock
	ec := internal.NewContext("e2", "w1", "demo", nil)

	out, err := Now(rt).Run(context.Background(), ec, nil, nil)
	require.NoError(err)
	require.Equal(mock.Now(), out)
}

func TestRandRange_StaysWithinBounds(t *testing.T) {
	require := require.New(t)
	rt := NewRuntime()
	ec := internal.NewContext("e3", "w1", "demo", nil)

	for i := 0; i < 20; i++ {
		out, err := RandRange(rt, 10, 20).Run(context.Background(), ec, []interface{}{i}, nil)
		require.NoError(err)
		n := out.(int)
		require.GreaterOrEqual(n, 10)
		require.Less(n, 20)
	}
}

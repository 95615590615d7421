package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/task"
)

// eventTypes projects the log down to its type sequence for order
// assertions.
func eventTypes(ec *internal.Context) []internal.EventType {
	events := ec.Events()
	types := make([]internal.EventType, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func indexOf(types []internal.EventType, want internal.EventType) int {
	for i, t := range types {
		if t == want {
			return i
		}
	}
	return -1
}

func TestEndToEnd_HelloWorld(t *testing.T) {
	require := require.New(t)
	contexts := newMemStore()
	rt := task.NewRuntime()

	sayHello := rt.New(task.Options{Name: "say_hello"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return "Hello, " + args[0].(string), nil
	})

	fn := func(ctx context.Context, ec *internal.Context) (interface{}, error) {
		return sayHello.Run(ctx, ec, []interface{}{ec.Input()}, nil)
	}

	ec, err := Run(context.Background(), contexts, "hello_world", fn, RunOptions{Input: "Joe"})
	require.NoError(err)
	out, _ := ec.Output()
	require.Equal("Hello, Joe", out)

	require.Equal([]internal.EventType{
		internal.WorkflowScheduled,
		internal.WorkflowClaimed,
		internal.WorkflowStarted,
		internal.TaskStarted,
		internal.TaskCompleted,
		internal.WorkflowCompleted,
	}, eventTypes(ec))
}

func TestEndToEnd_RetryThenSucceed(t *testing.T) {
	require := require.New(t)
	contexts := newMemStore()
	rt := task.NewRuntime()

	attempts := 0
	flaky := rt.New(task.Options{
		Name:             "flaky",
		RetryMaxAttempts: 3,
		RetryDelay:       time.Millisecond,
		RetryBackoff:     2,
	}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		attempts++
		if attempts <= 2 {
			return nil, errors.New("transient")
		}
		return 42, nil
	})

	fn := func(ctx context.Context, ec *internal.Context) (interface{}, error) {
		return flaky.Run(ctx, ec, nil, nil)
	}

	ec, err := Run(context.Background(), contexts, "retry_demo", fn, RunOptions{})
	require.NoError(err)
	out, _ := ec.Output()
	require.Equal(42, out)

	var retryStarted, retryCompleted, completed int
	for _, typ := range eventTypes(ec) {
		switch typ {
		case internal.TaskRetryStarted:
			retryStarted++
		case internal.TaskRetryCompleted:
			retryCompleted++
		case internal.TaskCompleted:
			completed++
		}
	}
	require.Equal(2, retryStarted)
	require.Equal(2, retryCompleted)
	require.Equal(1, completed)
}

func TestEndToEnd_TimeoutWithFallback(t *testing.T) {
	require := require.New(t)
	contexts := newMemStore()
	rt := task.NewRuntime()

	slow := rt.New(task.Options{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Fallback: func(ctx context.Context, args ...interface{}) (interface{}, error) {
			return []interface{}{"fellback", args[0]}, nil
		},
	}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		select {
		case <-time.After(5 * time.Second):
			return "too-late", nil
		case <-ctx.Done():
			return nil, &internal.ExecutionTimeout{Scope: "task", ID: "slow", Timeout: 20 * time.Millisecond}
		}
	})

	fn := func(ctx context.Context, ec *internal.Context) (interface{}, error) {
		return slow.Run(ctx, ec, []interface{}{"x"}, nil)
	}

	ec, err := Run(context.Background(), contexts, "timeout_demo", fn, RunOptions{})
	require.NoError(err)
	out, _ := ec.Output()
	require.Equal([]interface{}{"fellback", "x"}, out)

	types := eventTypes(ec)
	failed := indexOf(types, internal.TaskFailed)
	fallbackStart := indexOf(types, internal.TaskFallbackStarted)
	fallbackDone := indexOf(types, internal.TaskFallbackComplete)
	require.GreaterOrEqual(failed, 0)
	require.Greater(fallbackStart, failed)
	require.Greater(fallbackDone, fallbackStart)
	require.Contains(ec.Events()[failed].Value.(string), "timeout")
}

func TestEndToEnd_PauseResumeComputesWithPayload(t *testing.T) {
	require := require.New(t)
	contexts := newMemStore()
	rt := task.NewRuntime()

	initialCalls := 0
	initial := rt.New(task.Options{Name: "initial_task"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		initialCalls++
		return []interface{}{1, 2, 3}, nil
	})

	fn := func(ctx context.Context, ec *internal.Context) (interface{}, error) {
		nums, err := initial.Run(ctx, ec, nil, nil)
		if err != nil {
			return nil, err
		}
		payload, err := Pause(ctx, ec, "waiting")
		if err != nil {
			return nil, err
		}
		multiplier := payload.(map[string]interface{})["multiplier"].(int)
		sum := 0
		for _, n := range nums.([]interface{}) {
			sum += n.(int)
		}
		return sum + multiplier, nil
	}

	ec, err := Run(context.Background(), contexts, "pause_demo", fn, RunOptions{})
	require.NoError(err)
	require.True(ec.IsPaused())
	require.Equal(1, initialCalls)

	resumed, err := Run(context.Background(), contexts, "pause_demo", fn, RunOptions{
		ExecutionID:   ec.ExecutionID(),
		ResumePayload: map[string]interface{}{"multiplier": 5},
	})
	require.NoError(err)
	require.True(resumed.HasFinished())
	out, _ := resumed.Output()
	require.Equal(11, out)
	require.Equal(1, initialCalls, "initial task must replay, not re-run")
}

func TestEndToEnd_CancellationMidTask(t *testing.T) {
	require := require.New(t)
	rt := task.NewRuntime()

	ec := internal.NewContext("cancel-e2e", "w1", "cancel_demo", nil)
	require.NoError(ec.Schedule(context.Background()))
	require.NoError(ec.Claim(context.Background(), "worker-a"))

	longSleep := rt.New(task.Options{Name: "long_sleep"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		for i := 0; i < 10; i++ {
			if err := internal.Sleep(ctx, ec, time.Second); err != nil {
				return nil, err
			}
		}
		return "never", nil
	})

	fn := func(ctx context.Context, ec *internal.Context) (interface{}, error) {
		return longSleep.Run(ctx, ec, nil, nil)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = internal.RunWorkflow(context.Background(), ec, fn)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(ec.Cancelling(context.Background()))
	ec.RequestCancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not observe cancellation")
	}

	require.Equal(internal.StateCancelled, ec.State())
	types := eventTypes(ec)
	require.Equal(internal.WorkflowCancelled, types[len(types)-1])
	cancelling := indexOf(types, internal.WorkflowCancelling)
	require.GreaterOrEqual(cancelling, 0)
	require.Less(cancelling, len(types)-1)
}

func TestEndToEnd_ParallelFanOut(t *testing.T) {
	require := require.New(t)
	contexts := newMemStore()
	rt := task.NewRuntime()

	greeting := func(name, prefix string) *task.Task {
		return rt.New(task.Options{Name: name}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
			return prefix + ", " + args[0].(string), nil
		})
	}
	sayHi := greeting("say_hi", "Hi")
	sayHello := greeting("say_hello", "Hello")
	digaOla := greeting("diga_ola", "Ola")
	saluda := greeting("saluda", "Hola")

	fn := func(ctx context.Context, ec *internal.Context) (interface{}, error) {
		run := func(t *task.Task) func(context.Context) (interface{}, error) {
			return func(cctx context.Context) (interface{}, error) {
				return t.Run(cctx, ec, []interface{}{ec.Input()}, nil)
			}
		}
		return task.Parallel(ctx, ec, run(sayHi), run(sayHello), run(digaOla), run(saluda))
	}

	ec, err := Run(context.Background(), contexts, "parallel_demo", fn, RunOptions{Input: "Joe"})
	require.NoError(err)
	out, _ := ec.Output()
	require.Equal([]interface{}{"Hi, Joe", "Hello, Joe", "Ola, Joe", "Hola, Joe"}, out)

	types := eventTypes(ec)
	workflowDone := indexOf(types, internal.WorkflowCompleted)
	require.GreaterOrEqual(workflowDone, 0)
	taskCompleted := 0
	for i, typ := range types {
		if typ == internal.TaskCompleted {
			taskCompleted++
			require.Less(i, workflowDone)
		}
	}
	require.Equal(4, taskCompleted)
}

func TestEndToEnd_RerunFinishedExecutionIsIdempotent(t *testing.T) {
	require := require.New(t)
	contexts := newMemStore()

	fn := func(ctx context.Context, ec *internal.Context) (interface{}, error) {
		return ec.Input(), nil
	}

	first, err := Run(context.Background(), contexts, "idempotent_demo", fn, RunOptions{Input: "payload"})
	require.NoError(err)
	require.True(first.HasFinished())

	again, err := Run(context.Background(), contexts, "idempotent_demo", fn, RunOptions{ExecutionID: first.ExecutionID()})
	require.NoError(err)
	out1, _ := first.Output()
	out2, _ := again.Output()
	require.Equal(out1, out2)
	require.Equal(len(first.Events()), len(again.Events()))
}

package workflow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/store"
)

type memStore struct {
	mu  sync.Mutex
	ecs map[string]*internal.Context
}

func newMemStore() *memStore { return &memStore{ecs: make(map[string]*internal.Context)} }

func (s *memStore) Get(ctx context.Context, executionID string) (*internal.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, ok := s.ecs[executionID]
	if !ok {
		return nil, &internal.ExecutionContextNotFound{ExecutionID: executionID}
	}
	return ec, nil
}
func (s *memStore) Save(ctx context.Context, ec *internal.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ecs[ec.ExecutionID()] = ec
	return nil
}
func (s *memStore) NextExecution(ctx context.Context, worker store.WorkerRecord) (*internal.Context, error) {
	return nil, nil
}
func (s *memStore) Claim(ctx context.Context, executionID, worker string) (*internal.Context, error) {
	return nil, nil
}
func (s *memStore) NextCancellation(ctx context.Context, worker string) (*internal.Context, error) {
	return nil, nil
}

var _ store.ContextStore = (*memStore)(nil)

func TestRun_StartsFreshExecutionToCompletion(t *testing.T) {
	require := require.New(t)
	contexts := newMemStore()

	fn := func(ctx context.Context, ec *internal.Context) (interface{}, error) {
		return ec.Input(), nil
	}

	ec, err := Run(context.Background(), contexts, "demo", fn, RunOptions{Input: "payload"})
	require.NoError(err)
	require.True(ec.HasFinished())
	out, _ := ec.Output()
	require.Equal("payload", out)

	saved, err := contexts.Get(context.Background(), ec.ExecutionID())
	require.NoError(err)
	require.Equal(ec.ExecutionID(), saved.ExecutionID())
}

func TestRun_PausesAndResumesWithOperatorPayload(t *testing.T) {
	require := require.New(t)
	contexts := newMemStore()

	fn := func(ctx context.Context, ec *internal.Context) (interface{}, error) {
		approved, err := Pause(ctx, ec, "approval")
		if err != nil {
			return nil, err
		}
		return approved, nil
	}

	ec, err := Run(context.Background(), contexts, "demo", fn, RunOptions{})
	require.NoError(err)
	require.True(ec.IsPaused())

	resumed, err := Resume(context.Background(), contexts, "demo", fn, ec.ExecutionID(), "approved-by-ops")
	require.NoError(err)
	require.True(resumed.HasFinished())
	out, _ := resumed.Output()
	require.Equal("approved-by-ops", out)
}

func TestCheckCancellation_ReturnsErrorWhenRequested(t *testing.T) {
	require := require.New(t)
	ec := internal.NewContext("e1", "w1", "demo", nil)
	require.NoError(ec.Schedule(context.Background()))
	require.NoError(ec.Claim(context.Background(), "worker-a"))
	require.NoError(ec.Start(context.Background()))

	require.NoError(CheckCancellation(ec))
	ec.RequestCancel()
	require.Error(CheckCancellation(ec))
}

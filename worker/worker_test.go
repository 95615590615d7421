package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/edurdias/flux/control"
	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memStore struct {
	mu  sync.Mutex
	ecs map[string]*internal.Context
}

func newMemStore() *memStore { return &memStore{ecs: make(map[string]*internal.Context)} }

func (s *memStore) put(ec *internal.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ecs[ec.ExecutionID()] = ec
}

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
	s.put(ec)
	return nil
}

func (s *memStore) NextExecution(ctx context.Context, worker store.WorkerRecord) (*internal.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ec := range s.ecs {
		if ec.State() == internal.StateCreated {
			if err := ec.Schedule(ctx); err != nil {
				return nil, err
			}
			return ec, nil
		}
	}
	return nil, nil
}

func (s *memStore) Claim(ctx context.Context, executionID, worker string) (*internal.Context, error) {
	s.mu.Lock()
	ec, ok := s.ecs[executionID]
	s.mu.Unlock()
	if !ok {
		return nil, &internal.ExecutionContextNotFound{ExecutionID: executionID}
	}
	if err := ec.Claim(ctx, worker); err != nil {
		return nil, err
	}
	return ec, nil
}

func (s *memStore) NextCancellation(ctx context.Context, worker string) (*internal.Context, error) {
	return nil, nil
}

var _ store.ContextStore = (*memStore)(nil)

func TestWorker_ClaimsAndRunsRegisteredWorkflow(t *testing.T) {
	require := require.New(t)
	s := newMemStore()
	ec := internal.NewContext("e1", "w1", "demo", "hello")
	s.put(ec)

	d := control.NewDispatcher(s, nil)
	registry := MapRegistry{
		"demo": func(ctx context.Context, ec *internal.Context) (interface{}, error) {
			return ec.Input(), nil
		},
	}

	w := New(Options{Name: "worker-a", PollInterval: 10 * time.Millisecond}, s, d, registry)
	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(func() bool {
		got, err := s.Get(context.Background(), "e1")
		return err == nil && got.HasFinished()
	}, time.Second, 5*time.Millisecond)

	got, err := s.Get(context.Background(), "e1")
	require.NoError(err)
	out, ok := got.Output()
	require.True(ok)
	require.Equal("hello", out)
}

func TestWorker_UnknownWorkflowFailsExecution(t *testing.T) {
	require := require.New(t)
	s := newMemStore()
	ec := internal.NewContext("e2", "w1", "missing", nil)
	s.put(ec)

	d := control.NewDispatcher(s, nil)
	w := New(Options{Name: "worker-a", PollInterval: 10 * time.Millisecond}, s, d, MapRegistry{})
	w.Start(context.Background())
	defer w.Stop()

	require.Eventually(func() bool {
		got, err := s.Get(context.Background(), "e2")
		return err == nil && got.State() == internal.StateFailed
	}, time.Second, 5*time.Millisecond)
}

func TestWorker_StopTerminatesLoops(t *testing.T) {
	s := newMemStore()
	d := control.NewDispatcher(s, nil)
	w := New(Options{Name: "worker-a", PollInterval: 10 * time.Millisecond}, s, d, MapRegistry{})
	w.Start(context.Background())
	w.Stop()
}

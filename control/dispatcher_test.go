package control

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/store"
)

// memStore is a minimal in-memory store.ContextStore double, enough to
// exercise Dispatcher/Worker without a real database.
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
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ec := range s.ecs {
		if ec.IsCancelling() && ec.CurrentWorker() == worker {
			return ec, nil
		}
	}
	return nil, nil
}

var _ store.ContextStore = (*memStore)(nil)

func TestDispatcher_NextDispatchesCreatedExecution(t *testing.T) {
	require := require.New(t)
	s := newMemStore()
	s.put(internal.NewContext("e1", "w1", "demo", nil))

	d := NewDispatcher(s, nil)
	ec, err := d.Next(context.Background(), store.WorkerRecord{Name: "worker-a"})
	require.NoError(err)
	require.NotNil(ec)
	require.Equal(internal.StateScheduled, ec.State())
}

func TestDispatcher_NextReturnsNilWhenNothingEligible(t *testing.T) {
	require := require.New(t)
	d := NewDispatcher(newMemStore(), nil)
	ec, err := d.Next(context.Background(), store.WorkerRecord{Name: "worker-a"})
	require.NoError(err)
	require.Nil(ec)
}

func TestDispatcher_SubscribeReceivesNotify(t *testing.T) {
	require := require.New(t)
	d := NewDispatcher(newMemStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := d.Subscribe(ctx, "worker-a")
	d.Notify("worker-a", Notification{ExecutionID: "e1"})

	select {
	case n := <-ch:
		require.Equal("e1", n.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestDispatcher_SubscribeClosesOnContextDone(t *testing.T) {
	require := require.New(t)
	d := NewDispatcher(newMemStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := d.Subscribe(ctx, "worker-a")
	cancel()

	select {
	case _, ok := <-ch:
		require.False(ok)
	case <-time.After(time.Second):
		t.Fatal("channel was not closed after context cancellation")
	}
}

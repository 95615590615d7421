package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func claimedContext(t *testing.T, executionID string) *internal.Context {
	t.Helper()
	ec := internal.NewContext(executionID, "wf-1", "demo", "input")
	require.NoError(t, ec.Schedule(context.Background()))
	require.NoError(t, ec.Claim(context.Background(), "worker-a"))
	return ec
}

func TestStore_SaveGetRoundTrip(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)

	ec := claimedContext(t, "e1")
	require.NoError(ec.Start(context.Background()))
	require.NoError(ec.Complete(context.Background(), "done"))
	require.NoError(s.Save(context.Background(), ec))

	got, err := s.Get(context.Background(), "e1")
	require.NoError(err)
	require.Equal(ec.ExecutionID(), got.ExecutionID())
	require.Equal(ec.WorkflowName(), got.WorkflowName())
	require.Equal(ec.State(), got.State())

	want := ec.Events()
	have := got.Events()
	require.Equal(len(want), len(have))
	for i := range want {
		require.Equal(want[i].ID, have[i].ID)
		require.Equal(want[i].Type, have[i].Type)
	}

	out, ok := got.Output()
	require.True(ok)
	require.Equal("done", out)
}

func TestStore_GetUnknownReturnsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "ghost")
	var notFound *internal.ExecutionContextNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestStore_SaveIsIdempotentOnEvents(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)

	ec := claimedContext(t, "e2")
	require.NoError(s.Save(context.Background(), ec))
	require.NoError(s.Save(context.Background(), ec))

	got, err := s.Get(context.Background(), "e2")
	require.NoError(err)
	require.Equal(len(ec.Events()), len(got.Events()))

	// save(get(id)) leaves the log unchanged.
	require.NoError(s.Save(context.Background(), got))
	again, err := s.Get(context.Background(), "e2")
	require.NoError(err)
	require.Equal(len(got.Events()), len(again.Events()))
}

func TestStore_NextExecutionBindsWorker(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)

	ec := internal.NewContext("e3", "wf-1", "demo", nil)
	require.NoError(s.Save(context.Background(), ec))

	worker := store.WorkerRecord{Name: "worker-a", Resources: store.WorkerResources{CPU: 4}}
	next, err := s.NextExecution(context.Background(), worker)
	require.NoError(err)
	require.NotNil(next)
	require.Equal("e3", next.ExecutionID())
	require.Equal(internal.StateScheduled, next.State())
}

func TestStore_NextExecutionRespectsResourceRequests(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)

	ec := internal.NewContext("e4", "wf-1", "demo", nil)
	ec.SetResourceRequests(&internal.ResourceRequests{GPU: 1})
	require.NoError(s.Save(context.Background(), ec))

	cpuOnly := store.WorkerRecord{Name: "cpu-worker", Resources: store.WorkerResources{CPU: 8}}
	next, err := s.NextExecution(context.Background(), cpuOnly)
	require.NoError(err)
	require.Nil(next)

	gpuWorker := store.WorkerRecord{Name: "gpu-worker", Resources: store.WorkerResources{CPU: 8, GPU: 1}}
	next, err = s.NextExecution(context.Background(), gpuWorker)
	require.NoError(err)
	require.NotNil(next)
	require.Equal("e4", next.ExecutionID())
}

func TestStore_ClaimIsExclusive(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)

	ec := internal.NewContext("e5", "wf-1", "demo", nil)
	require.NoError(s.Save(context.Background(), ec))

	worker := store.WorkerRecord{Name: "worker-a"}
	next, err := s.NextExecution(context.Background(), worker)
	require.NoError(err)
	require.NotNil(next)

	// A different worker cannot claim an execution bound to worker-a.
	_, err = s.Claim(context.Background(), "e5", "worker-b")
	var notFound *internal.ExecutionContextNotFound
	require.ErrorAs(err, &notFound)

	claimed, err := s.Claim(context.Background(), "e5", "worker-a")
	require.NoError(err)
	require.Equal(internal.StateClaimed, claimed.State())
	require.Equal("worker-a", claimed.CurrentWorker())

	// Claiming twice fails: the execution is no longer SCHEDULED.
	_, err = s.Claim(context.Background(), "e5", "worker-a")
	require.ErrorAs(err, &notFound)

	// A claimed execution is no longer dispatchable.
	next, err = s.NextExecution(context.Background(), worker)
	require.NoError(err)
	require.Nil(next)
}

func TestStore_NextCancellationReturnsBoundExecution(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)

	ec := claimedContext(t, "e6")
	require.NoError(ec.Start(context.Background()))
	require.NoError(ec.Cancelling(context.Background()))
	require.NoError(s.Save(context.Background(), ec))

	none, err := s.NextCancellation(context.Background(), "worker-b")
	require.NoError(err)
	require.Nil(none)

	got, err := s.NextCancellation(context.Background(), "worker-a")
	require.NoError(err)
	require.NotNil(got)
	require.Equal("e6", got.ExecutionID())
	require.True(got.IsCancelling())
}

func TestCatalog_VersionsAppendAndLatestWins(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	catalog := s.Catalog()

	v1, err := catalog.Save(context.Background(), store.WorkflowRecord{Name: "demo", Source: []byte("v1")})
	require.NoError(err)
	require.Equal(1, v1.Version)

	v2, err := catalog.Save(context.Background(), store.WorkflowRecord{Name: "demo", Source: []byte("v2")})
	require.NoError(err)
	require.Equal(2, v2.Version)

	latest, err := catalog.Get(context.Background(), "demo", 0)
	require.NoError(err)
	require.Equal(2, latest.Version)
	require.Equal([]byte("v2"), latest.Source)

	pinned, err := catalog.Get(context.Background(), "demo", 1)
	require.NoError(err)
	require.Equal([]byte("v1"), pinned.Source)

	_, err = catalog.Get(context.Background(), "ghost", 0)
	var notFound *internal.WorkflowNotFound
	require.ErrorAs(err, &notFound)

	_, err = catalog.Save(context.Background(), store.WorkflowRecord{Name: "other", Source: []byte("x")})
	require.NoError(err)
	list, err := catalog.List(context.Background())
	require.NoError(err)
	require.Len(list, 2)
	for _, rec := range list {
		if rec.Name == "demo" {
			require.Equal(2, rec.Version)
		}
	}
}

func TestWorkers_RegisterAuthenticateHeartbeat(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	workers := s.Workers()

	rec, err := workers.Register(context.Background(), "worker-a", "bootstrap", store.WorkerRecord{
		OS: "linux", Resources: store.WorkerResources{CPU: 4, Memory: 8 << 30},
		Packages: []string{"numpy==1.22"},
	})
	require.NoError(err)
	require.NotEmpty(rec.SessionToken)

	require.NoError(workers.Authenticate(context.Background(), "worker-a", rec.SessionToken))
	require.Error(workers.Authenticate(context.Background(), "worker-a", "bogus"))
	require.Error(workers.Authenticate(context.Background(), "ghost", "whatever"))

	require.NoError(workers.Heartbeat(context.Background(), "worker-a", store.WorkerResources{CPU: 2}))
	got, err := workers.Get(context.Background(), "worker-a")
	require.NoError(err)
	require.Equal(2, got.Resources.CPU)
	require.Equal([]string{"numpy==1.22"}, got.Packages)

	// Re-registration rotates the session token.
	rec2, err := workers.Register(context.Background(), "worker-a", "bootstrap", store.WorkerRecord{})
	require.NoError(err)
	require.NotEqual(rec.SessionToken, rec2.SessionToken)
	require.Error(workers.Authenticate(context.Background(), "worker-a", rec.SessionToken))
}

func TestSchedules_CRUDAndListDue(t *testing.T) {
	require := require.New(t)
	s := openTestStore(t)
	schedules := s.Schedules()

	now := time.Now().UTC()
	created, err := schedules.Create(context.Background(), store.ScheduleRecord{
		WorkflowName: "demo",
		Kind:         store.ScheduleInterval,
		IntervalNS:   time.Minute,
		NextRunAt:    now.Add(-time.Second),
	})
	require.NoError(err)
	require.NotEmpty(created.ID)
	require.Equal(store.ScheduleActive, created.Status)

	got, err := schedules.Get(context.Background(), created.ID)
	require.NoError(err)
	require.Equal("demo", got.WorkflowName)
	require.Equal(time.Minute, got.IntervalNS)

	due, err := schedules.ListDue(context.Background(), now)
	require.NoError(err)
	require.Len(due, 1)

	got.Status = store.SchedulePaused
	require.NoError(schedules.Update(context.Background(), got))
	due, err = schedules.ListDue(context.Background(), now)
	require.NoError(err)
	require.Empty(due)

	list, err := schedules.List(context.Background())
	require.NoError(err)
	require.Len(list, 1)

	require.NoError(schedules.Delete(context.Background(), created.ID))
	list, err = schedules.List(context.Background())
	require.NoError(err)
	require.Empty(list)
}

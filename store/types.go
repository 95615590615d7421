// Package store defines the transactional persistence interfaces the
// control plane uses: the Context Store, the Workflow Catalog, the
// Worker Registry and the Schedule Store, plus a SQLite-backed
// implementation in store/sqlite.
package store

import (
	"context"
	"time"

	"github.com/edurdias/flux/internal"
)

// ResourceRequest declares what a worker must offer for an execution to
// be dispatched to it.
type ResourceRequest = internal.ResourceRequests

// WorkflowRecord is a versioned workflow source bundle.
type WorkflowRecord struct {
	ID       string
	Name     string
	Version  int
	Source   []byte
	Imports  map[string]string
	Requests *ResourceRequest
}

// WorkerRecord is a registered worker.
type WorkerRecord struct {
	Name          string
	SessionToken  string
	OS            string
	OSVersion     string
	LangVersion   string
	Resources     WorkerResources
	Packages      []string
	RegisteredAt  time.Time
	LastSeenAt    time.Time
}

// WorkerResources is the worker's current capacity snapshot, compared
// against a ResourceRequest during dispatch.
type WorkerResources struct {
	CPU    int
	Memory int64
	Disk   int64
	GPU    int
}

// ScheduleStatus is the closed set of states a Schedule Record can be in.
type ScheduleStatus string

const (
	ScheduleActive ScheduleStatus = "ACTIVE"
	SchedulePaused ScheduleStatus = "PAUSED"
)

// ScheduleKind identifies which variant body a ScheduleRecord carries.
type ScheduleKind string

const (
	ScheduleCron     ScheduleKind = "cron"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleOnce     ScheduleKind = "once"
)

// ScheduleRecord is a standing rule that creates executions at specified
// instants.
type ScheduleRecord struct {
	ID           string
	WorkflowName string
	Status       ScheduleStatus
	Kind         ScheduleKind

	CronExpr     string
	IntervalNS   time.Duration
	OnceAt       time.Time
	OnceExecuted bool
	Timezone     string

	InputTemplate interface{}

	NextRunAt    time.Time
	LastRunAt    time.Time
	RunCount     int
	FailureCount int
}

// ContextStore is the transactional store of execution Contexts.
type ContextStore interface {
	// Get returns the Context for executionID, or
	// *internal.ExecutionContextNotFound.
	Get(ctx context.Context, executionID string) (*internal.Context, error)

	// Save upserts ec. On update, only events whose (event_id, type) are
	// not yet persisted are appended: an idempotent merge, never a
	// replace.
	Save(ctx context.Context, ec *internal.Context) error

	// NextExecution atomically selects one Context in CREATED or
	// SCHEDULED state whose resource requests are satisfied by worker,
	// transitions it to SCHEDULED bound to worker, and returns it. Returns
	// (nil, nil) if nothing is eligible.
	NextExecution(ctx context.Context, worker WorkerRecord) (*internal.Context, error)

	// Claim transitions executionID from SCHEDULED to CLAIMED if worker
	// matches the binding NextExecution made, appending WORKFLOW_CLAIMED.
	Claim(ctx context.Context, executionID, worker string) (*internal.Context, error)

	// NextCancellation returns any Context currently CANCELLING and bound
	// to worker, or (nil, nil) if none.
	NextCancellation(ctx context.Context, worker string) (*internal.Context, error)
}

// WorkflowCatalog is the versioned store of workflow source bundles.
type WorkflowCatalog interface {
	// Save appends a new version (max+1) under name.
	Save(ctx context.Context, rec WorkflowRecord) (WorkflowRecord, error)
	// Get returns the latest version of name, or a specific version if
	// version > 0.
	Get(ctx context.Context, name string, version int) (WorkflowRecord, error)
	// List returns the latest version of every known workflow name.
	List(ctx context.Context) ([]WorkflowRecord, error)
}

// WorkerRegistry tracks registered workers and their session tokens.
type WorkerRegistry interface {
	// Register creates or re-registers name, issuing a fresh
	// session_token. bootstrapToken must match the cluster's configured
	// bootstrap secret.
	Register(ctx context.Context, name, bootstrapToken string, runtime WorkerRecord) (WorkerRecord, error)
	// Get returns the registered worker, or an error if unknown.
	Get(ctx context.Context, name string) (WorkerRecord, error)
	// Authenticate validates a session token presented on a subsequent
	// control-plane call.
	Authenticate(ctx context.Context, name, sessionToken string) error
	// Heartbeat updates the worker's resource snapshot and LastSeenAt.
	Heartbeat(ctx context.Context, name string, resources WorkerResources) error
}

// ScheduleStore persists Schedule Records for the Scheduler.
type ScheduleStore interface {
	Create(ctx context.Context, rec ScheduleRecord) (ScheduleRecord, error)
	Get(ctx context.Context, id string) (ScheduleRecord, error)
	List(ctx context.Context) ([]ScheduleRecord, error)
	Update(ctx context.Context, rec ScheduleRecord) error
	Delete(ctx context.Context, id string) error
	// ListDue returns every ACTIVE schedule whose NextRunAt is <= now.
	ListDue(ctx context.Context, now time.Time) ([]ScheduleRecord, error)
}

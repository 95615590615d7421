// Package task is the public facade over the internal Task Runtime: it
// lets embedders declare tasks (with retry/timeout/fallback/rollback/
// cache/secret options) and run them against an execution context without
// reaching into package internal directly.
package task

import (
	"context"
	"time"

	"github.com/edurdias/flux/internal"
)

// Func is the shape of a task body, fallback, or rollback procedure.
type Func = internal.Func

// CacheScope controls how long a Task's memoized results live.
type CacheScope = internal.CacheScope

const (
	CacheNone      = internal.CacheNone
	CacheExecution = internal.CacheExecution
	CacheGlobal    = internal.CacheGlobal
)

// Options configures a Task.
type Options struct {
	Name string

	RetryMaxAttempts int
	RetryDelay       time.Duration
	RetryBackoff     float64

	Timeout time.Duration

	Fallback Func
	Rollback Func

	OutputStorage internal.OutputStore
	Threshold     int

	SecretRequests []string

	Cache      CacheScope
	CacheKeyFn func(args []interface{}, kwargs map[string]interface{}) string
}

func (o Options) toInternal() internal.Options {
	return internal.Options{
		Name:             o.Name,
		RetryMaxAttempts: o.RetryMaxAttempts,
		RetryDelay:       o.RetryDelay,
		RetryBackoff:     o.RetryBackoff,
		Timeout:          o.Timeout,
		Fallback:         o.Fallback,
		Rollback:         o.Rollback,
		OutputStorage:    o.OutputStorage,
		Threshold:        o.Threshold,
		SecretRequests:   o.SecretRequests,
		Cache:            o.Cache,
		CacheKeyFn:       o.CacheKeyFn,
	}
}

// Task is a named, invocable, memoized unit of work.
type Task struct {
	inner *internal.Task
}

// Runtime holds the services shared by every task invocation in a
// process: secret store, clock, random source, cache, logger.
type Runtime struct {
	inner *internal.Runtime
}

// NewRuntime constructs a Runtime with sane defaults.
func NewRuntime() *Runtime {
	return &Runtime{inner: internal.NewRuntime()}
}

// New binds fn to opts under r's shared services.
func (r *Runtime) New(opts Options, fn Func) *Task {
	return &Task{inner: r.inner.NewTask(opts.toInternal(), fn)}
}

// Run executes the task against ec, replaying a prior recorded result
// instead of re-invoking fn when one exists for this call's identity.
func (t *Task) Run(ctx context.Context, ec *internal.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	return t.inner.Run(ctx, ec, args, kwargs)
}

// SecretsFromContext retrieves the secrets a task requested via
// Options.SecretRequests, keyed by name.
func SecretsFromContext(ctx context.Context) map[string]string {
	return internal.SecretsFromContext(ctx)
}

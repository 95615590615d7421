// Copyright (c) 2020 Temporal Technologies Inc.  All rights reserved.
//
// Copyright (c) 2020 Uber Technologies, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package internal

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/edurdias/flux/internal/common/backoff"
)

var tracer = otel.Tracer("github.com/edurdias/flux/internal")

// Func is the shape every task implementation and fallback/rollback
// procedure has. Tasks are duck-typed on interface{} arguments because
// replayed values come back from the event log as already-decoded JSON.
type Func func(ctx context.Context, args ...interface{}) (interface{}, error)

// CacheScope controls how long a Task's cache entries live.
type CacheScope int

const (
	// CacheNone disables memoization; every call runs the procedure (or
	// replays from the event log, which is unaffected by this setting).
	// It is the zero value, so caching is off unless Options.Cache is set.
	CacheNone CacheScope = iota
	// CacheExecution scopes cache hits to the current execution only.
	CacheExecution
	// CacheGlobal shares cache entries across executions.
	CacheGlobal
)

// Options configures a single Task's retry/timeout/fallback/rollback/
// cache/secret behavior.
type Options struct {
	Name string

	RetryMaxAttempts int
	RetryDelay       time.Duration
	RetryBackoff     float64

	Timeout time.Duration

	Fallback Func
	Rollback Func

	OutputStorage OutputStore
	Threshold     int // inline threshold override; 0 means InlineThreshold

	SecretRequests []string

	Cache      CacheScope
	CacheKeyFn func(args []interface{}, kwargs map[string]interface{}) string
}

// Task is a named, invocable, memoized unit of work.
type Task struct {
	opts    Options
	fn      Func
	runtime *Runtime
}

// NewTask binds a Func to its Options under the shared Runtime's services
// (secrets, cache, clock, tracer, logger).
func (r *Runtime) NewTask(opts Options, fn Func) *Task {
	return &Task{opts: opts, fn: fn, runtime: r}
}

// Runtime holds the services the Task Runtime needs that are shared
// across every task invocation in a process: the secret store, the
// clock, the random source, the cache, and a logger. One
// Runtime is typically constructed per Worker.
type Runtime struct {
	Logger  *zap.Logger
	Secrets SecretStore
	Clock   Clock
	Rand    Rand
	Cache   Cache
}

// NewRuntime constructs a Runtime with sane defaults: a no-op logger, an
// empty in-memory secret store, the system clock, the system random
// source, and an in-memory cache.
func NewRuntime() *Runtime {
	return &Runtime{
		Logger:  zap.NewNop(),
		Secrets: NewInMemorySecretStore(nil),
		Clock:   SystemClock,
		Rand:    SystemRand,
		Cache:   NewInMemoryCache(),
	}
}

// Run executes the task against ec: replay short-circuit, start event,
// cache lookup, secret resolution, timeout-bounded call with retries and
// fallback, rollback on surfaced failure, output offload, completion
// event. args/kwargs determine the replay key; kwargs may be nil.
func (t *Task) Run(ctx context.Context, ec *Context, args []interface{}, kwargs map[string]interface{}) (result interface{}, err error) {
	name := t.opts.Name
	eventID := HashTaskEventID(name, args, kwargs)

	ctx, span := tracer.Start(ctx, "task/"+name, trace.WithAttributes(
		attribute.String("flux.execution_id", ec.ExecutionID()),
		attribute.String("flux.task_id", eventID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Step 1: replay short-circuit.
	if prior, ok := ec.FindTaskCompleted(eventID); ok {
		if err := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskResumed, Name: name, Value: prior.Value}); err != nil {
			return nil, err
		}
		return prior.Value, nil
	}

	// Step 2: record the start of a fresh attempt sequence.
	if err := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskStarted, Name: name}); err != nil {
		return nil, err
	}

	// Step 3: cache lookup.
	if t.opts.Cache != CacheNone {
		key := t.cacheKey(args, kwargs)
		if cached, ok := t.runtime.Cache.Get(t.opts.Cache, ec.ExecutionID(), key); ok {
			if err := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskCompleted, Name: name, Value: cached}); err != nil {
				return nil, err
			}
			return cached, nil
		}
	}

	// Step 4: secret resolution.
	secrets := make(map[string]string, len(t.opts.SecretRequests))
	for _, secretName := range t.opts.SecretRequests {
		v, err := t.runtime.Secrets.Get(ctx, secretName)
		if err != nil {
			return nil, t.surfaceFailure(ctx, ec, eventID, name, err)
		}
		secrets[secretName] = v
	}
	if len(secrets) > 0 {
		ctx = withSecrets(ctx, secrets)
	}

	// Steps 5-6: run with timeout, retry/backoff, fallback.
	value, err := t.attempt(ctx, ec, eventID, name, args)
	if err != nil {
		if IsCanceledError(err) {
			// A cancellation control signal is not a task failure; let it
			// surface untouched for the Workflow Runtime to translate.
			return nil, err
		}
		return nil, t.surfaceFailure(ctx, ec, eventID, name, err)
	}

	// Step 8: success path, with output offloading and final checkpoint.
	stored, err := t.maybeOffload(ctx, value)
	if err != nil {
		return nil, err
	}
	if t.opts.Cache != CacheNone {
		key := t.cacheKey(args, kwargs)
		t.runtime.Cache.Set(t.opts.Cache, ec.ExecutionID(), key, stored)
	}
	if err := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskCompleted, Name: name, Value: stored}); err != nil {
		return nil, err
	}
	return stored, nil
}

// attempt runs the user procedure with timeout enforcement and the
// retry/backoff/fallback ladder. It returns either a successful value or
// the final unrecoverable error (which may be *RetryExhausted).
func (t *Task) attempt(ctx context.Context, ec *Context, eventID, name string, args []interface{}) (interface{}, error) {
	call := func() (interface{}, error) {
		return t.callWithTimeout(ctx, ec, name, t.fn, args)
	}

	value, err := call()
	if err == nil {
		return value, nil
	}
	if IsCanceledError(err) {
		return nil, err
	}

	if t.opts.RetryMaxAttempts <= 0 {
		if ferr := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskFailed, Name: name, Value: err.Error()}); ferr != nil {
			return nil, ferr
		}
		return t.tryFallback(ctx, ec, eventID, name, args, err)
	}

	policy := backoff.RetryPolicy{
		InitialInterval: t.opts.RetryDelay,
		BackoffCoeff:    t.opts.RetryBackoff,
		MaxAttempts:     t.opts.RetryMaxAttempts,
	}
	retrier := backoff.NewRetrier(policy)
	lastErr := err
	for attemptIdx := 0; ; attemptIdx++ {
		if IsCanceledError(lastErr) {
			return nil, lastErr
		}
		delay := retrier.NextBackOff()
		if delay < 0 {
			break
		}
		if cerr := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskRetryStarted, Name: name, Value: attemptIdx + 1}); cerr != nil {
			return nil, cerr
		}
		select {
		case <-ctx.Done():
			return nil, &CancellationRequested{}
		case <-time.After(delay):
		}
		value, retryErr := call()
		if cerr := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskRetryCompleted, Name: name, Value: attemptIdx + 1}); cerr != nil {
			return nil, cerr
		}
		if retryErr == nil {
			return value, nil
		}
		lastErr = retryErr
		if IsCanceledError(retryErr) {
			return nil, retryErr
		}
		if ferr := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskFailed, Name: name, Value: retryErr.Error()}); ferr != nil {
			return nil, ferr
		}
	}

	exhausted := &RetryExhausted{Attempts: t.opts.RetryMaxAttempts, Delay: t.opts.RetryDelay, Backoff: t.opts.RetryBackoff, Cause: lastErr}
	return t.tryFallback(ctx, ec, eventID, name, args, exhausted)
}

func (t *Task) tryFallback(ctx context.Context, ec *Context, eventID, name string, args []interface{}, cause error) (interface{}, error) {
	if t.opts.Fallback == nil {
		return nil, cause
	}
	if err := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskFallbackStarted, Name: name, Value: cause.Error()}); err != nil {
		return nil, err
	}
	value, err := t.callWithTimeout(ctx, ec, name, t.opts.Fallback, args)
	if err != nil {
		return nil, err
	}
	if cerr := ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskFallbackComplete, Name: name, Value: value}); cerr != nil {
		return nil, cerr
	}
	return value, nil
}

// surfaceFailure appends TASK_FAILED for the final, unrecoverable cause,
// best-effort runs the configured rollback (step 7), and returns cause.
func (t *Task) surfaceFailure(ctx context.Context, ec *Context, eventID, name string, cause error) error {
	_ = ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskFailed, Name: name, Value: cause.Error()})

	if t.opts.Rollback != nil {
		_ = ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskRollbackStarted, Name: name})
		if _, rbErr := t.callWithTimeout(context.Background(), ec, name, t.opts.Rollback, nil); rbErr != nil {
			t.runtime.Logger.Warn("task rollback failed", zap.String("task", name), zap.Error(rbErr))
		}
		_ = ec.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: name, Type: TaskRollbackComplete, Name: name})
	}
	return cause
}

// callWithTimeout runs fn with a bounded wall-clock allowance if one was
// configured, converting an expired deadline into *ExecutionTimeout.
func (t *Task) callWithTimeout(ctx context.Context, ec *Context, name string, fn Func, args []interface{}) (interface{}, error) {
	if cancelCtx := ec.CancelContext(); cancelCtx.Err() != nil {
		return nil, &CancellationRequested{}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if t.opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	type result struct {
		value interface{}
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("task %q panicked: %v", name, r)}
			}
		}()
		v, err := fn(runCtx, args...)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && t.opts.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded {
			return nil, &ExecutionTimeout{Scope: "task", ID: name, Timeout: t.opts.Timeout}
		}
		return r.value, r.err
	case <-runCtx.Done():
		if t.opts.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded {
			return nil, &ExecutionTimeout{Scope: "task", ID: name, Timeout: t.opts.Timeout}
		}
		return nil, &CancellationRequested{}
	case <-ec.CancelContext().Done():
		return nil, &CancellationRequested{}
	}
}

func (t *Task) maybeOffload(ctx context.Context, value interface{}) (interface{}, error) {
	store := t.opts.OutputStorage
	threshold := t.opts.Threshold
	if threshold <= 0 {
		threshold = InlineThreshold
	}
	if store == nil {
		return value, nil
	}
	encoded, err := JSONSerializer.Marshal(value)
	if err != nil {
		return nil, NewExecutionError("encoding task output", err)
	}
	if len(encoded) <= threshold {
		return value, nil
	}
	ref, err := store.Store(ctx, encoded)
	if err != nil {
		return nil, NewExecutionError("offloading task output", err)
	}
	return map[string]string{"__flux_output_ref": ref}, nil
}

func (t *Task) cacheKey(args []interface{}, kwargs map[string]interface{}) string {
	if t.opts.CacheKeyFn != nil {
		return t.opts.CacheKeyFn(args, kwargs)
	}
	return HashTaskEventID(t.opts.Name, args, kwargs)
}

type secretsKey struct{}

func withSecrets(ctx context.Context, secrets map[string]string) context.Context {
	return context.WithValue(ctx, secretsKey{}, secrets)
}

// SecretsFromContext retrieves the secrets a task requested via
// Options.SecretRequests, keyed by name.
func SecretsFromContext(ctx context.Context) map[string]string {
	v, _ := ctx.Value(secretsKey{}).(map[string]string)
	return v
}

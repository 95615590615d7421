// Package workflow is the public facade over the internal Workflow
// Runtime: starting, resuming, pausing, sleeping and sub-calling workflow
// procedures against an Execution Context.
package workflow

import (
	"context"
	"time"

	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/store"
)

// Func is the shape of a workflow procedure.
type Func = internal.WorkflowFunc

// embeddedWorkerName binds executions started through the dispatcher-less
// Run entry point, distinguishing them from ones claimed by a real
// worker.Worker in the Context's CurrentWorker() bookkeeping.
const embeddedWorkerName = "embedded"

// RunOptions parameterizes a single workflow.Run call: a fresh execution
// leaves ExecutionID empty; resuming a paused one sets ExecutionID and,
// if the pause point expects one, ResumePayload.
type RunOptions struct {
	ExecutionID   string
	WorkflowID    string
	ResumePayload interface{}
	Input         interface{}
	Requests      *store.ResourceRequest
}

// Run starts a brand-new execution (opts.ExecutionID empty) or resumes an
// existing paused one (opts.ExecutionID set), driving fn to completion,
// pause, or cancellation and returning the resulting Context.
func Run(ctx context.Context, contexts store.ContextStore, name string, fn Func, opts RunOptions) (*internal.Context, error) {
	var ec *internal.Context
	var err error

	if opts.ExecutionID != "" {
		ec, err = contexts.Get(ctx, opts.ExecutionID)
		if err != nil {
			return nil, err
		}
		if opts.ResumePayload != nil {
			ec.SetPendingResumePayload(opts.ResumePayload)
		}
	} else {
		executionID := internal.NewUUID()
		workflowID := opts.WorkflowID
		if workflowID == "" {
			workflowID = internal.NewUUID()
		}
		ec = internal.NewContext(executionID, workflowID, name, opts.Input)
		if opts.Requests != nil {
			ec.SetResourceRequests(opts.Requests)
		}
		// Run is the direct, dispatcher-less entry point: it owns the
		// CREATED->SCHEDULED->CLAIMED handoff itself instead of going
		// through control.Dispatcher/store.Claim, binding the execution to
		// a synthetic "embedded" worker so RunWorkflow's ec.Start
		// precondition (CLAIMED) is satisfied.
		if err := ec.Schedule(ctx); err != nil {
			return nil, err
		}
		if err := ec.Claim(ctx, embeddedWorkerName); err != nil {
			return nil, err
		}
	}

	ec.SetCheckpoint(func(cctx context.Context, c *internal.Context) error {
		return contexts.Save(cctx, c)
	})

	return internal.RunWorkflow(ctx, ec, fn)
}

// Resume is a thin wrapper over Run for the common "continue a paused
// execution" case.
func Resume(ctx context.Context, contexts store.ContextStore, name string, fn Func, executionID string, resumePayload interface{}) (*internal.Context, error) {
	return Run(ctx, contexts, name, fn, RunOptions{ExecutionID: executionID, ResumePayload: resumePayload})
}

// Pause is the `pause(label)` primitive.
func Pause(ctx context.Context, ec *internal.Context, label string) (interface{}, error) {
	return internal.Pause(ctx, ec, label)
}

// CheckCancellation is an explicit suspension point.
func CheckCancellation(ec *internal.Context) error {
	return internal.CheckCancellation(ec)
}

// Sleep is a cancellation-aware suspension point.
func Sleep(ctx context.Context, ec *internal.Context, d time.Duration) error {
	return internal.Sleep(ctx, ec, d)
}

// Call runs a sub-workflow synchronously, recording it as a task-like span
// in the parent Context.
func Call(ctx context.Context, parent, sub *internal.Context, fn Func) (interface{}, error) {
	return internal.Call(ctx, parent, sub, fn)
}

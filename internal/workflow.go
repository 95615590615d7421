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
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WorkflowFunc is the shape of the top-level user procedure the Workflow
// Runtime wraps. The Context is passed explicitly rather than held in
// any ambient task-local state.
type WorkflowFunc func(ctx context.Context, ec *Context) (interface{}, error)

// RunWorkflow drives ec through one invocation of fn, translating its
// return into the appropriate lifecycle event.
func RunWorkflow(ctx context.Context, ec *Context, fn WorkflowFunc) (result *Context, err error) {
	if ec.HasFinished() {
		// Idempotent re-entry on a finished log.
		return ec, nil
	}

	ctx, span := tracer.Start(ctx, "workflow/"+ec.WorkflowName(), trace.WithAttributes(
		attribute.String("flux.execution_id", ec.ExecutionID()),
		attribute.String("flux.workflow_id", ec.WorkflowID()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if ec.IsPaused() {
		if err := ec.Resume(ctx, ec.ResumePayload()); err != nil {
			return nil, err
		}
	} else {
		if err := ec.Start(ctx); err != nil {
			return nil, err
		}
	}

	output, err := fn(ctx, ec)
	if err == nil {
		if cerr := ec.Complete(ctx, output); cerr != nil {
			return nil, cerr
		}
		return ec, nil
	}

	if pr, ok := IsPauseRequested(err); ok {
		if perr := ec.Pause(ctx, pr.Label); perr != nil {
			return nil, perr
		}
		return ec, nil
	}

	if IsCanceledError(err) {
		if cerr := ec.Cancel(ctx); cerr != nil {
			return nil, cerr
		}
		return ec, nil
	}

	if ferr := ec.Fail(ctx, err); ferr != nil {
		return nil, ferr
	}
	return ec, nil
}

// Pause is the `pause(label)` primitive. On first encounter it returns
// a *PauseRequested control error for
// RunWorkflow to translate into WORKFLOW_PAUSED. On replay, after an
// operator has supplied a resume payload, it returns that payload (or the
// label itself if none was supplied) instead of pausing again.
//
// label must be unique per dynamic call site; callers looping over pause
// points must fold a loop index into label themselves.
func Pause(ctx context.Context, ec *Context, label string) (interface{}, error) {
	events := ec.Events()
	for i, e := range events {
		if e.Type == WorkflowPaused && e.Name == label {
			for j := i + 1; j < len(events); j++ {
				if events[j].Type == WorkflowResumed {
					if events[j].Value != nil {
						return events[j].Value, nil
					}
					return label, nil
				}
			}
			// Paused but not yet resumed: this call site is the one
			// currently suspended; surface the same control signal so an
			// accidental re-entry before resume still pauses cleanly.
			return nil, &PauseRequested{Label: label}
		}
	}
	return nil, &PauseRequested{Label: label}
}

// CheckCancellation is an explicit suspension point: tasks and workflow
// bodies call it between units of work to observe cancellation promptly
// even when no task call or sleep would otherwise do so.
func CheckCancellation(ec *Context) error {
	select {
	case <-ec.CancelContext().Done():
		return &CancellationRequested{}
	default:
		return nil
	}
}

// Sleep is a suspension point that honors cancellation: it returns early
// with *CancellationRequested if ec's cancel signal fires before d
// elapses.
func Sleep(ctx context.Context, ec *Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ec.CancelContext().Done():
		return &CancellationRequested{}
	case <-ctx.Done():
		return &CancellationRequested{}
	}
}

// Call runs a sub-workflow synchronously, recording its events as a
// single task-like span (TASK_STARTED/TASK_COMPLETED) in the parent
// Context while the sub-execution's own Context is checkpointed
// independently.
func Call(ctx context.Context, parent *Context, sub *Context, fn WorkflowFunc) (interface{}, error) {
	eventID := HashTaskEventID("subworkflow:"+sub.WorkflowName(), []interface{}{sub.ExecutionID()}, nil)
	if prior, ok := parent.FindTaskCompleted(eventID); ok {
		return prior.Value, nil
	}
	if err := parent.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: sub.WorkflowName(), Type: TaskStarted, Name: sub.WorkflowName()}); err != nil {
		return nil, err
	}

	result, err := RunWorkflow(ctx, sub, fn)
	if err != nil {
		_ = parent.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: sub.WorkflowName(), Type: TaskFailed, Name: sub.WorkflowName(), Value: err.Error()})
		return nil, err
	}
	output, _ := result.Output()
	if err := parent.AppendTaskEvent(ctx, Event{ID: eventID, SourceID: sub.WorkflowName(), Type: TaskCompleted, Name: sub.WorkflowName(), Value: output}); err != nil {
		return nil, err
	}
	return output, nil
}

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
	"sync"
	"time"
)

// State is the closed set of execution lifecycle states.
type State string

const (
	StateCreated    State = "CREATED"
	StateScheduled  State = "SCHEDULED"
	StateClaimed    State = "CLAIMED"
	StateRunning    State = "RUNNING"
	StatePaused     State = "PAUSED"
	StateCancelling State = "CANCELLING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether s forbids any further events.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// ResourceRequests declares what a worker must offer for an execution to
// be dispatched to it.
type ResourceRequests struct {
	CPU      int      `json:"cpu,omitempty"`
	Memory   int64    `json:"memory,omitempty"` // bytes
	Disk     int64    `json:"disk,omitempty"`   // bytes
	GPU      int      `json:"gpu,omitempty"`
	Packages []string `json:"packages,omitempty"` // "name[op version]", op in {==, >=}
}

// CheckpointFunc persists a Context after a mutation. Injected by the
// owner (the Worker Loop posts to the control plane; tests can use an
// in-memory stub). Checkpointing is the only handoff of event-log
// ownership to the Store.
type CheckpointFunc func(ctx context.Context, ec *Context) error

// Context is the in-memory projection of one execution's event log. It is
// the sole owner of its event slice; the Store owns durable copies,
// reunited only through Checkpoint.
type Context struct {
	mu sync.Mutex

	executionID      string
	workflowID       string
	workflowName     string
	input            interface{}
	events           []Event
	state            State
	currentWorker    string
	resourceRequests *ResourceRequests
	resumePayload    interface{}

	checkpoint CheckpointFunc

	cancelCtx   context.Context
	cancelCause context.CancelFunc
	cancelOnce  sync.Once
}

// NewContext creates a fresh, CREATED-state Context for a workflow
// invocation. Use Schedule to make it eligible for dispatch.
func NewContext(executionID, workflowID, workflowName string, input interface{}) *Context {
	cctx, cancel := context.WithCancel(context.Background())
	return &Context{
		executionID:  executionID,
		workflowID:   workflowID,
		workflowName: workflowName,
		input:        input,
		state:        StateCreated,
		cancelCtx:    cctx,
		cancelCause:  cancel,
	}
}

// RestoreContext rebuilds a Context from a previously persisted event log,
// without appending anything. Used by the Worker Loop / Replay Engine when
// resuming an execution.
func RestoreContext(executionID, workflowID, workflowName string, input interface{}, events []Event) *Context {
	ec := NewContext(executionID, workflowID, workflowName, input)
	ec.events = append(ec.events, events...)
	ec.state = deriveState(ec.events)
	ec.currentWorker = deriveWorker(ec.events)
	ec.resumePayload = deriveResumePayload(ec.events)
	return ec
}

func deriveState(events []Event) State {
	state := StateCreated
	for _, e := range events {
		switch e.Type {
		case WorkflowScheduled:
			state = StateScheduled
		case WorkflowClaimed:
			state = StateClaimed
		case WorkflowStarted, WorkflowResumed:
			state = StateRunning
		case WorkflowPaused:
			state = StatePaused
		case WorkflowCancelling:
			state = StateCancelling
		case WorkflowCompleted:
			state = StateCompleted
		case WorkflowFailed:
			state = StateFailed
		case WorkflowCancelled:
			state = StateCancelled
		}
	}
	return state
}

func deriveWorker(events []Event) string {
	var worker string
	for _, e := range events {
		switch e.Type {
		case WorkflowClaimed:
			worker = e.SourceID
		case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
			worker = ""
		}
	}
	return worker
}

func deriveResumePayload(events []Event) interface{} {
	// The resume payload is the value of the last WORKFLOW_RESUMED event,
	// unless a later WORKFLOW_PAUSED has cleared it (as append does).
	for i := len(events) - 1; i >= 0; i-- {
		switch events[i].Type {
		case WorkflowResumed:
			return events[i].Value
		case WorkflowPaused:
			return nil
		}
	}
	return nil
}

// ExecutionID returns the unique identifier of this execution.
func (ec *Context) ExecutionID() string { return ec.executionID }

// WorkflowName returns the name of the workflow this execution runs.
func (ec *Context) WorkflowName() string { return ec.workflowName }

// WorkflowID returns the catalog ID of the workflow bundle this execution runs.
func (ec *Context) WorkflowID() string { return ec.workflowID }

// Input returns the original execution input.
func (ec *Context) Input() interface{} { return ec.input }

// ResumePayload returns the payload supplied to the most recent Resume
// call, or nil if the execution has never paused.
func (ec *Context) ResumePayload() interface{} {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.resumePayload
}

// SetPendingResumePayload overrides the value RunWorkflow will pass to the
// next Resume call, without itself appending an event. Callers supplying
// an operator-provided resume payload for a not-yet-resumed execution set
// this before invoking RunWorkflow.
func (ec *Context) SetPendingResumePayload(payload interface{}) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.resumePayload = payload
}

// State returns the current derived lifecycle state.
func (ec *Context) State() State {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.state
}

// CurrentWorker returns the worker currently bound to this execution, if
// any (invariant: set iff state is CLAIMED, RUNNING, PAUSED or
// CANCELLING).
func (ec *Context) CurrentWorker() string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.currentWorker
}

// ResourceRequests returns the declared resource requirements, if any.
func (ec *Context) ResourceRequests() *ResourceRequests {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.resourceRequests
}

// SetResourceRequests declares the resources this execution needs a
// worker to offer. Only meaningful before Schedule.
func (ec *Context) SetResourceRequests(rr *ResourceRequests) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.resourceRequests = rr
}

// SetCheckpoint installs the callback invoked after every appended event.
func (ec *Context) SetCheckpoint(fn CheckpointFunc) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.checkpoint = fn
}

// Events returns a defensive copy of the event log. Callers must treat it
// as read-only; the Context never hands out its backing slice so that a
// checkpoint send cannot race a concurrent append.
func (ec *Context) Events() []Event {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]Event, len(ec.events))
	copy(out, ec.events)
	return out
}

// HasFinished reports whether the execution reached a terminal state.
func (ec *Context) HasFinished() bool {
	return ec.State().Terminal()
}

// IsPaused reports whether the execution is currently suspended at a
// pause point.
func (ec *Context) IsPaused() bool {
	return ec.State() == StatePaused
}

// IsCancelling reports whether cancellation has been requested but not
// yet finalized.
func (ec *Context) IsCancelling() bool {
	return ec.State() == StateCancelling
}

// Output extracts the execution's final value from the terminal event, if
// any. Returns (nil, false) if the execution has not finished.
func (ec *Context) Output() (interface{}, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for i := len(ec.events) - 1; i >= 0; i-- {
		switch ec.events[i].Type {
		case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
			return ec.events[i].Value, true
		}
	}
	return nil, false
}

// CancelContext returns the context.Context whose cancellation carries the
// in-memory cancel signal. Tasks select on CancelContext().Done() at their
// suspension points.
func (ec *Context) CancelContext() context.Context {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.cancelCtx
}

// RequestCancel fires the in-memory cancel signal. It does not append any
// event by itself; callers append WORKFLOW_CANCELLING through Cancel.
func (ec *Context) RequestCancel() {
	ec.cancelOnce.Do(func() {
		ec.mu.Lock()
		cancel := ec.cancelCause
		ec.mu.Unlock()
		cancel()
	})
}

// append validates, appends, updates cached state, and checkpoints. Every
// exported transition helper below funnels through it.
func (ec *Context) append(ctx context.Context, e Event) error {
	ec.mu.Lock()
	e.Time = SystemClock.Now().UTC()
	ec.events = append(ec.events, e)
	ec.state = deriveState(ec.events)
	ec.currentWorker = deriveWorker(ec.events)
	if e.Type == WorkflowPaused {
		ec.resumePayload = nil
	}
	checkpoint := ec.checkpoint
	ec.mu.Unlock()

	if checkpoint != nil {
		return checkpoint(ctx, ec)
	}
	return nil
}

func (ec *Context) requireState(allowed ...State) error {
	cur := ec.State()
	for _, s := range allowed {
		if cur == s {
			return nil
		}
	}
	return &InvalidTransition{From: lastLifecycleType(ec.Events()), To: string(cur)}
}

func lastLifecycleType(events []Event) EventType {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type.isWorkflowEvent() {
			return events[i].Type
		}
	}
	return ""
}

// Schedule transitions CREATED -> SCHEDULED, appending WORKFLOW_SCHEDULED.
func (ec *Context) Schedule(ctx context.Context) error {
	if err := ec.requireState(StateCreated); err != nil {
		return err
	}
	return ec.append(ctx, Event{ID: newWorkflowEventID(), SourceID: ec.executionID, Type: WorkflowScheduled, Name: ec.workflowName})
}

// Claim transitions SCHEDULED -> CLAIMED, binding worker, appending
// WORKFLOW_CLAIMED.
func (ec *Context) Claim(ctx context.Context, worker string) error {
	if err := ec.requireState(StateScheduled); err != nil {
		return err
	}
	return ec.append(ctx, Event{ID: newWorkflowEventID(), SourceID: worker, Type: WorkflowClaimed, Name: worker})
}

// Start transitions CLAIMED -> RUNNING, appending WORKFLOW_STARTED with
// the execution input.
func (ec *Context) Start(ctx context.Context) error {
	if err := ec.requireState(StateClaimed); err != nil {
		return err
	}
	return ec.append(ctx, Event{ID: newWorkflowEventID(), SourceID: ec.currentWorker, Type: WorkflowStarted, Name: ec.workflowName, Value: ec.input})
}

// Resume transitions PAUSED -> RUNNING, appending WORKFLOW_RESUMED and
// recording the supplied resume payload for ResumePayload().
func (ec *Context) Resume(ctx context.Context, payload interface{}) error {
	if err := ec.requireState(StatePaused); err != nil {
		return err
	}
	ec.mu.Lock()
	ec.resumePayload = payload
	ec.mu.Unlock()
	return ec.append(ctx, Event{ID: newWorkflowEventID(), SourceID: ec.currentWorker, Type: WorkflowResumed, Name: ec.workflowName, Value: payload})
}

// Pause transitions RUNNING -> PAUSED, appending WORKFLOW_PAUSED with the
// pause label.
func (ec *Context) Pause(ctx context.Context, label string) error {
	if err := ec.requireState(StateRunning); err != nil {
		return err
	}
	return ec.append(ctx, Event{ID: newWorkflowEventID(), SourceID: ec.currentWorker, Type: WorkflowPaused, Name: label, Value: label})
}

// Complete transitions RUNNING -> COMPLETED, appending WORKFLOW_COMPLETED
// with the final output.
func (ec *Context) Complete(ctx context.Context, output interface{}) error {
	if err := ec.requireState(StateRunning); err != nil {
		return err
	}
	return ec.append(ctx, Event{ID: newWorkflowEventID(), SourceID: ec.currentWorker, Type: WorkflowCompleted, Name: ec.workflowName, Value: output})
}

// Fail transitions any non-terminal state to FAILED, appending
// WORKFLOW_FAILED with the error.
func (ec *Context) Fail(ctx context.Context, cause error) error {
	if ec.State().Terminal() {
		return &InvalidTransition{From: lastLifecycleType(ec.Events()), To: string(StateFailed)}
	}
	return ec.append(ctx, Event{ID: newWorkflowEventID(), SourceID: ec.currentWorker, Type: WorkflowFailed, Name: ec.workflowName, Value: cause.Error()})
}

// Cancelling transitions any non-terminal state to CANCELLING, appending
// WORKFLOW_CANCELLING. It does not itself fire the in-memory signal; call
// RequestCancel on the worker holding the execution.
func (ec *Context) Cancelling(ctx context.Context) error {
	if ec.State().Terminal() {
		return &InvalidTransition{From: lastLifecycleType(ec.Events()), To: string(StateCancelling)}
	}
	return ec.append(ctx, Event{ID: newWorkflowEventID(), SourceID: ec.currentWorker, Type: WorkflowCancelling, Name: ec.workflowName})
}

// Cancel transitions CANCELLING (or any non-terminal state, for direct
// cancellation without a prior CANCELLING observation) to CANCELLED,
// appending WORKFLOW_CANCELLED.
func (ec *Context) Cancel(ctx context.Context) error {
	if ec.State().Terminal() {
		return &InvalidTransition{From: lastLifecycleType(ec.Events()), To: string(StateCancelled)}
	}
	return ec.append(ctx, Event{ID: newWorkflowEventID(), SourceID: ec.currentWorker, Type: WorkflowCancelled, Name: ec.workflowName})
}

// AppendTaskEvent is used by the Task Runtime to record TASK_* events. It
// is exported for package task/workflow to call without exposing the
// transition-validated lifecycle helpers above.
func (ec *Context) AppendTaskEvent(ctx context.Context, e Event) error {
	return ec.append(ctx, e)
}

// FindTaskCompleted looks up a previously recorded TASK_COMPLETED event by
// its event_id. This is the Replay Engine's entire mechanism: replay is
// just this lookup happening to find a hit.
func (ec *Context) FindTaskCompleted(eventID string) (Event, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, e := range ec.events {
		if e.Type == TaskCompleted && e.ID == eventID {
			return e, true
		}
	}
	return Event{}, false
}

// LastEventTime is used by tests asserting the monotonic-ordering
// invariant.
func (ec *Context) LastEventTime() time.Time {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if len(ec.events) == 0 {
		return time.Time{}
	}
	return ec.events[len(ec.events)-1].Time
}

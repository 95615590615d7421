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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"
)

// EventType is the closed set of events that can be appended to an
// execution's event log.
type EventType string

// The closed enumeration of execution event types. Nothing outside this
// list may ever be appended to a Context's event log.
const (
	WorkflowScheduled  EventType = "WORKFLOW_SCHEDULED"
	WorkflowClaimed    EventType = "WORKFLOW_CLAIMED"
	WorkflowStarted    EventType = "WORKFLOW_STARTED"
	WorkflowResumed    EventType = "WORKFLOW_RESUMED"
	WorkflowPaused     EventType = "WORKFLOW_PAUSED"
	WorkflowCompleted  EventType = "WORKFLOW_COMPLETED"
	WorkflowFailed     EventType = "WORKFLOW_FAILED"
	WorkflowCancelling EventType = "WORKFLOW_CANCELLING"
	WorkflowCancelled  EventType = "WORKFLOW_CANCELLED"

	TaskStarted          EventType = "TASK_STARTED"
	TaskCompleted        EventType = "TASK_COMPLETED"
	TaskFailed           EventType = "TASK_FAILED"
	TaskRetryStarted     EventType = "TASK_RETRY_STARTED"
	TaskRetryCompleted   EventType = "TASK_RETRY_COMPLETED"
	TaskFallbackStarted  EventType = "TASK_FALLBACK_STARTED"
	TaskFallbackComplete EventType = "TASK_FALLBACK_COMPLETED"
	TaskRollbackStarted  EventType = "TASK_ROLLBACK_STARTED"
	TaskRollbackComplete EventType = "TASK_ROLLBACK_COMPLETED"
	TaskResumed          EventType = "TASK_RESUMED"
)

// lifecycleTerminal reports whether t ends an execution permanently.
func (t EventType) lifecycleTerminal() bool {
	switch t {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	default:
		return false
	}
}

func (t EventType) isWorkflowEvent() bool {
	switch t {
	case WorkflowScheduled, WorkflowClaimed, WorkflowStarted, WorkflowResumed,
		WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowCancelling, WorkflowCancelled:
		return true
	default:
		return false
	}
}

// Event is an immutable record appended to an execution's event log. It is
// the ground truth of progress: the Context never mutates an Event once
// appended, and replay reconstructs all in-memory state from this slice.
type Event struct {
	ID       string      `json:"id"`
	SourceID string      `json:"source_id"`
	Type     EventType   `json:"type"`
	Name     string      `json:"name"`
	Value    interface{} `json:"value,omitempty"`
	Time     time.Time   `json:"time"`
}

// HashTaskEventID computes the stable replay key for a task invocation: a
// hash over the task name, its positional args, and its sorted keyword
// args. Two calls with the same name and equal arguments always produce
// the same ID, which is exactly what lets the Task Runtime short-circuit
// on replay.
func HashTaskEventID(taskName string, args []interface{}, kwargs map[string]interface{}) string {
	h := sha256.New()
	fmt.Fprintf(h, "task:%s\x00", taskName)
	for _, a := range args {
		fmt.Fprintf(h, "%#v\x00", a)
	}
	if len(kwargs) > 0 {
		keys := make([]string, 0, len(kwargs))
		for k := range kwargs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(h, "%s=%#v\x00", k, kwargs[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// newWorkflowEventID generates a random ID for a workflow-lifecycle event
// (these are never looked up by replay, so they need not be deterministic).
func newWorkflowEventID() string {
	return NewUUID()
}

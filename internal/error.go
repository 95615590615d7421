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

/*
Package internal's error taxonomy is a closed set of concrete structs,
each implementing error and Unwrap() error so callers can dispatch with
errors.As instead of string matching.

Control signals (PauseRequested, CancellationRequested) are errors too, but
they are never classified as failures: the Workflow Runtime type-switches
for them before anything reaches the generic failure path.
*/
package internal

import (
	"errors"
	"fmt"
	"time"
)

type (
	// ExecutionError is the base of every error the engine surfaces from a
	// workflow or task to the outside world.
	ExecutionError struct {
		message string
		cause   error
	}

	// RetryExhausted is returned when a task's retry policy ran out of
	// attempts with no fallback configured. When a fallback runs and fails,
	// the fallback's own error is returned instead.
	RetryExhausted struct {
		Attempts int
		Delay    time.Duration
		Backoff  float64
		Cause    error
	}

	// ExecutionTimeout is raised when a workflow or task exceeds its
	// configured wall-clock bound.
	ExecutionTimeout struct {
		Scope   string // "workflow" or "task"
		ID      string
		Timeout time.Duration
	}

	// PauseRequested is a control signal, not a failure: the Workflow
	// Runtime intercepts it and appends WORKFLOW_PAUSED instead of failing
	// the execution. REDESIGN FLAG: modeled as a typed error
	// return instead of a raised exception, so it composes with Go's normal
	// error propagation.
	PauseRequested struct {
		Label             string
		ExpectedInputType string
	}

	// CancellationRequested is a control signal observed at a suspension
	// point once the Context's cancel signal has fired.
	CancellationRequested struct{}

	// WorkflowNotFound indicates the Catalog has no record for a name (and
	// version, if one was requested).
	WorkflowNotFound struct {
		Name    string
		Version int
	}

	// WorkflowAlreadyExists is returned when a workflow save collides with
	// an existing (name, version) pair (should not happen under the
	// max+1 versioning rule, but guards direct version overwrites).
	WorkflowAlreadyExists struct {
		Name    string
		Version int
	}

	// ExecutionContextNotFound indicates the Store has no Context for the
	// requested execution ID.
	ExecutionContextNotFound struct {
		ExecutionID string
	}

	// TaskNotFound indicates a replayed event_id referenced a task name
	// the running binary no longer registers.
	TaskNotFound struct {
		Name string
	}

	// SecretMissing is returned when a task's secret_requests name a
	// secret the configured SecretStore does not have.
	SecretMissing struct {
		Name string
	}

	// DatabaseConnection wraps an infrastructure failure talking to the
	// Context Store's backing database.
	DatabaseConnection struct {
		Kind  string
		cause error
	}

	// PostgreSQLConnection is the Postgres-specific flavor of
	// DatabaseConnection, kept distinct because Postgres failures carry
	// SQLSTATE codes callers may want to branch on.
	PostgreSQLConnection struct {
		DatabaseConnection
		SQLState string
	}

	// InvalidTransition is returned when a Context helper is invoked from
	// a state that does not permit it (e.g. Pause on a Context that is not
	// RUNNING).
	InvalidTransition struct {
		From EventType
		To   string
	}
)

// NewExecutionError wraps cause with a message; the cause is preserved for
// errors.Unwrap/errors.As.
func NewExecutionError(message string, cause error) *ExecutionError {
	return &ExecutionError{message: message, cause: cause}
}

func (e *ExecutionError) Error() string { return e.message }
func (e *ExecutionError) Unwrap() error { return e.cause }

func (e *RetryExhausted) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts (delay=%s, backoff=%v): %v", e.Attempts, e.Delay, e.Backoff, e.Cause)
}
func (e *RetryExhausted) Unwrap() error { return e.Cause }

func (e *ExecutionTimeout) Error() string {
	return fmt.Sprintf("%s %s exceeded timeout %s", e.Scope, e.ID, e.Timeout)
}

func (e *PauseRequested) Error() string {
	return fmt.Sprintf("pause requested: %s", e.Label)
}

func (e *CancellationRequested) Error() string { return "cancellation requested" }

func (e *WorkflowNotFound) Error() string {
	if e.Version > 0 {
		return fmt.Sprintf("workflow %q version %d not found", e.Name, e.Version)
	}
	return fmt.Sprintf("workflow %q not found", e.Name)
}

func (e *WorkflowAlreadyExists) Error() string {
	return fmt.Sprintf("workflow %q version %d already exists", e.Name, e.Version)
}

func (e *ExecutionContextNotFound) Error() string {
	return fmt.Sprintf("execution context %q not found", e.ExecutionID)
}

func (e *TaskNotFound) Error() string {
	return fmt.Sprintf("task %q not found", e.Name)
}

func (e *SecretMissing) Error() string {
	return fmt.Sprintf("secret %q missing", e.Name)
}

func (e *DatabaseConnection) Error() string {
	return fmt.Sprintf("%s database connection error: %v", e.Kind, e.cause)
}
func (e *DatabaseConnection) Unwrap() error { return e.cause }

// NewDatabaseConnectionError wraps an infrastructure error with its store kind.
func NewDatabaseConnectionError(kind string, cause error) *DatabaseConnection {
	return &DatabaseConnection{Kind: kind, cause: cause}
}

// NewPostgreSQLConnectionError wraps a Postgres-specific connection failure.
func NewPostgreSQLConnectionError(sqlState string, cause error) *PostgreSQLConnection {
	return &PostgreSQLConnection{DatabaseConnection: DatabaseConnection{Kind: "postgresql", cause: cause}, SQLState: sqlState}
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("cannot apply transition %q from state implied by last event %q", e.To, e.From)
}

// IsCanceledError reports whether err is (or wraps) a CancellationRequested
// control signal.
func IsCanceledError(err error) bool {
	var c *CancellationRequested
	return errors.As(err, &c)
}

// IsPauseRequested reports whether err is (or wraps) a PauseRequested
// control signal.
func IsPauseRequested(err error) (*PauseRequested, bool) {
	var p *PauseRequested
	if errors.As(err, &p) {
		return p, true
	}
	return nil, false
}

// IsRetryable classifies whether an error surfaced from a task attempt
// should count toward the retry policy at all. Control signals are always
// excluded.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cancel *CancellationRequested
	var pause *PauseRequested
	if errors.As(err, &cancel) || errors.As(err, &pause) {
		return false
	}
	return true
}

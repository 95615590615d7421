// Package flux re-exports the engine's public error taxonomy and
// classifiers so embedders can dispatch on failure kinds with errors.As
// without importing the internal runtime package.
package flux

import (
	"github.com/edurdias/flux/internal"
)

type (
	// ExecutionError is the base of every error the engine surfaces from a
	// workflow or task.
	ExecutionError = internal.ExecutionError

	// RetryExhausted is returned when a task's retry policy ran out of
	// attempts with no fallback configured.
	RetryExhausted = internal.RetryExhausted

	// ExecutionTimeout is returned when a workflow or task exceeds its
	// configured wall-clock bound.
	ExecutionTimeout = internal.ExecutionTimeout

	// PauseRequested is the control signal a pause point surfaces; the
	// Workflow Runtime translates it into a paused execution, never a
	// failure.
	PauseRequested = internal.PauseRequested

	// CancellationRequested is the control signal observed at a suspension
	// point once an execution's cancel signal has fired.
	CancellationRequested = internal.CancellationRequested

	// WorkflowNotFound indicates the Catalog has no record for a name.
	WorkflowNotFound = internal.WorkflowNotFound

	// WorkflowAlreadyExists indicates a workflow save collided with an
	// existing (name, version) pair.
	WorkflowAlreadyExists = internal.WorkflowAlreadyExists

	// ExecutionContextNotFound indicates the Store has no Context for the
	// requested execution ID.
	ExecutionContextNotFound = internal.ExecutionContextNotFound

	// TaskNotFound indicates an execution named a task or workflow the
	// running binary does not register.
	TaskNotFound = internal.TaskNotFound

	// SecretMissing indicates a task requested a secret the configured
	// SecretStore does not have.
	SecretMissing = internal.SecretMissing

	// DatabaseConnection wraps an infrastructure failure talking to the
	// Context Store's backing database.
	DatabaseConnection = internal.DatabaseConnection

	// PostgreSQLConnection is the Postgres-specific flavor of
	// DatabaseConnection, carrying the SQLSTATE code.
	PostgreSQLConnection = internal.PostgreSQLConnection
)

// IsCanceledError reports whether err is (or wraps) a
// CancellationRequested control signal.
func IsCanceledError(err error) bool {
	return internal.IsCanceledError(err)
}

// IsPauseRequested reports whether err is (or wraps) a PauseRequested
// control signal, returning it when so.
func IsPauseRequested(err error) (*PauseRequested, bool) {
	return internal.IsPauseRequested(err)
}

// IsRetryable classifies whether an error surfaced from a task attempt
// should count toward the retry policy; control signals never do.
func IsRetryable(err error) bool {
	return internal.IsRetryable(err)
}

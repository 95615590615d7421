package internal

import "context"

// InlineThreshold is the default size above which a task's output is
// offloaded to OutputStore instead of inlined into the event log.
const InlineThreshold = 64 * 1024

// OutputStore offloads large task outputs so the Context Store's event
// rows stay small. The concrete backend (object storage, blob store, ...)
// is out of scope; only the extension
// point lives here.
type OutputStore interface {
	Store(ctx context.Context, value []byte) (ref string, err error)
	Load(ctx context.Context, ref string) (value []byte, err error)
}

// NoopOutputStore refuses every offload, so a task output above the inline
// threshold fails the task. Useful for embedders that want an oversized
// output to be an error rather than silently leave the event log.
type NoopOutputStore struct{}

func (NoopOutputStore) Store(_ context.Context, value []byte) (string, error) {
	return "", errNoOffload
}

func (NoopOutputStore) Load(_ context.Context, _ string) ([]byte, error) {
	return nil, errNoOffload
}

var errNoOffload = &ExecutionError{message: "no output storage configured; value exceeds inline threshold"}

package task

import (
	"context"

	"github.com/edurdias/flux/internal"
)

// Now returns a task that records the current instant as its result,
// obtained through r's injectable Clock. Time, UUIDs and randomness must
// come from dedicated tasks so replay hands back the recorded value
// instead of generating a fresh one.
func Now(r *Runtime) *Task {
	return r.New(Options{Name: "flux.now"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return r.inner.Clock.Now(), nil
	})
}

// UUID4 returns a task that records a fresh random UUID as its result.
func UUID4(r *Runtime) *Task {
	return r.New(Options{Name: "flux.uuid4"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return internal.NewUUID(), nil
	})
}

// RandInt returns a task that records a random int in [0, n) as its
// result, obtained through r's injectable Rand source.
func RandInt(r *Runtime, n int) *Task {
	return r.New(Options{Name: "flux.randint"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		return r.inner.Rand.Intn(n), nil
	})
}

// RandRange returns a task that records a random int in [lo, hi) as its
// result.
func RandRange(r *Runtime, lo, hi int) *Task {
	return r.New(Options{Name: "flux.randrange"}, func(ctx context.Context, args ...interface{}) (interface{}, error) {
		if hi <= lo {
			return lo, nil
		}
		return lo + r.inner.Rand.Intn(hi-lo), nil
	})
}

package control

import (
	"context"
	"fmt"
	"time"

	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/store"
)

// Cancel requests cancellation of executionID asynchronously: it marks the
// Context CANCELLING in the store and wakes the owning worker via the
// Dispatcher, then returns without waiting for the worker to observe it.
func Cancel(ctx context.Context, s store.ContextStore, d *Dispatcher, executionID string) error {
	ec, err := s.Get(ctx, executionID)
	if err != nil {
		return err
	}
	if ec.HasFinished() {
		return nil
	}
	if err := ec.Cancelling(ctx); err != nil {
		return err
	}
	if err := s.Save(ctx, ec); err != nil {
		return err
	}
	if d != nil {
		if worker := ec.CurrentWorker(); worker != "" {
			d.Notify(worker, Notification{ExecutionID: executionID})
		}
	}
	return nil
}

// CancelSync requests cancellation and then polls the store with bounded
// exponential backoff until the execution reaches a terminal state or ctx
// expires. pollInterval is the initial poll delay; it doubles on each
// iteration up to 5s.
func CancelSync(ctx context.Context, s store.ContextStore, d *Dispatcher, executionID string, pollInterval time.Duration) error {
	if err := Cancel(ctx, s, d, executionID); err != nil {
		return err
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	delay := pollInterval
	const maxDelay = 5 * time.Second
	for {
		ec, err := s.Get(ctx, executionID)
		if err != nil {
			return err
		}
		if ec.State().Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("cancel_sync: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

// RecoverCancellations is the crash-recovery fallback: a worker calls
// this on startup (and periodically) to pick
// up any CANCELLING execution bound to it that it missed a live
// notification for (e.g. it was offline or restarting when Cancel fired).
func RecoverCancellations(ctx context.Context, s store.ContextStore, workerName string) (*internal.Context, error) {
	return s.NextCancellation(ctx, workerName)
}

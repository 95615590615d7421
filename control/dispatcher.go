// Package control implements the control-plane coordination primitives
// sitting between the Context Store and a worker fleet: dispatching
// eligible executions to workers and delivering cancellation requests
//. The HTTP/SSE transport that would
// carry these across a network is out of scope; this package is the
// in-process interface a transport layer calls into.
package control

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/store"
)

// Notification wakes a worker's poll loop when work might be available,
// substituting for the (out-of-scope) SSE push transport.
type Notification struct {
	ExecutionID string
}

// Dispatcher binds a ContextStore to the in-process notification channels
// workers subscribe to.
type Dispatcher struct {
	store   store.ContextStore
	logger  *zap.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	subs map[string][]chan Notification
}

// NewDispatcher constructs a Dispatcher over store. logger may be nil. The
// claim rate across the whole worker fleet is capped at 50/s with a burst
// of 10, so a thundering herd of notified workers can't turn into a
// thundering herd of NextExecution queries against the store.
func NewDispatcher(s store.ContextStore, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   s,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(50), 10),
		subs:    make(map[string][]chan Notification),
	}
}

// Next wraps ContextStore.NextExecution, returning (nil, nil) when no
// execution is currently eligible for worker. Callers are throttled by the
// Dispatcher's shared claim-rate limiter.
func (d *Dispatcher) Next(ctx context.Context, worker store.WorkerRecord) (*internal.Context, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ec, err := d.store.NextExecution(ctx, worker)
	if err != nil {
		return nil, err
	}
	if ec != nil {
		d.logger.Debug("dispatched execution", zap.String("execution_id", ec.ExecutionID()), zap.String("worker", worker.Name))
	}
	return ec, nil
}

// Subscribe returns a channel that receives a Notification whenever
// Notify(workerName, ...) is called — the in-process substitute for the
// push side of the transport. The channel is closed when ctx is done.
func (d *Dispatcher) Subscribe(ctx context.Context, workerName string) <-chan Notification {
	ch := make(chan Notification, 16)
	d.mu.Lock()
	d.subs[workerName] = append(d.subs[workerName], ch)
	d.mu.Unlock()

	go func() {
		<-ctx.Done()
		d.mu.Lock()
		defer d.mu.Unlock()
		remaining := d.subs[workerName][:0]
		for _, c := range d.subs[workerName] {
			if c != ch {
				remaining = append(remaining, c)
			}
		}
		d.subs[workerName] = remaining
		close(ch)
	}()
	return ch
}

// Notify wakes every subscriber currently registered for workerName. It
// never blocks: a full subscriber channel silently drops the notification,
// since Poll/NextExecution polling is always the correctness fallback.
func (d *Dispatcher) Notify(workerName string, n Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ch := range d.subs[workerName] {
		select {
		case ch <- n:
		default:
		}
	}
}

// Poll repeatedly calls Next every interval until ctx is cancelled,
// invoking onExecution for each dispatched Context. This is the
// crash-recovery fallback path a Worker Loop runs alongside Subscribe.
func (d *Dispatcher) Poll(ctx context.Context, worker store.WorkerRecord, interval time.Duration, onExecution func(*internal.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ec, err := d.Next(ctx, worker)
			if err != nil {
				d.logger.Warn("dispatcher poll failed", zap.Error(err))
				continue
			}
			if ec != nil {
				onExecution(ec)
			}
		}
	}
}

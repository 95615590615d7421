// Package schedule implements the Scheduler: it polls active Schedule
// Records and, once their next-fire instant has passed, creates a new
// CREATED-state execution for the dispatcher to pick up.
package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/edurdias/flux/internal"
	"github.com/edurdias/flux/store"
)

// Options configures a Scheduler.
type Options struct {
	PollInterval time.Duration
	Logger       *zap.Logger
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Scheduler evaluates due cron/interval/once Schedule Records and enqueues
// new executions for them.
type Scheduler struct {
	opts      Options
	schedules store.ScheduleStore
	contexts  store.ContextStore

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Scheduler.
func New(opts Options, schedules store.ScheduleStore, contexts store.ContextStore) *Scheduler {
	opts.setDefaults()
	return &Scheduler{opts: opts, schedules: schedules, contexts: contexts, done: make(chan struct{})}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop signals the poll loop to exit and waits for it to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Scheduler) tick(ctx context.Context) {
	now := internal.SystemClock.Now()
	due, err := s.schedules.ListDue(ctx, now)
	if err != nil {
		s.opts.Logger.Warn("listing due schedules failed", zap.Error(err))
		return
	}
	for _, rec := range due {
		if err := s.fire(ctx, rec, now); err != nil {
			s.opts.Logger.Error("firing schedule failed", zap.String("schedule_id", rec.ID), zap.Error(err))
		}
	}
}

// fire creates a new execution for rec and advances its next_run_at (or
// deactivates it for a one-shot schedule).
func (s *Scheduler) fire(ctx context.Context, rec store.ScheduleRecord, now time.Time) error {
	executionID := internal.NewUUID()
	ec := internal.NewContext(executionID, internal.NewUUID(), rec.WorkflowName, rec.InputTemplate)

	if err := s.contexts.Save(ctx, ec); err != nil {
		rec.FailureCount++
		s.schedules.Update(ctx, rec)
		return fmt.Errorf("saving scheduled execution: %w", err)
	}

	rec.LastRunAt = now
	rec.RunCount++

	switch rec.Kind {
	case store.ScheduleOnce:
		rec.OnceExecuted = true
		rec.Status = store.SchedulePaused
	case store.ScheduleInterval:
		next, err := NextInterval(rec, now)
		if err != nil {
			return err
		}
		rec.NextRunAt = next
	case store.ScheduleCron:
		next, err := NextCron(rec, now)
		if err != nil {
			return err
		}
		rec.NextRunAt = next
	default:
		return fmt.Errorf("unknown schedule kind %q", rec.Kind)
	}

	return s.schedules.Update(ctx, rec)
}

// NextCron computes the next fire instant after max(now, rec.LastRunAt)
// for a cron-kind schedule, honoring rec.Timezone.
func NextCron(rec store.ScheduleRecord, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(rec.CronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing cron expression %q: %w", rec.CronExpr, err)
	}
	loc, err := scheduleLocation(rec.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	base := now
	if rec.LastRunAt.After(base) {
		base = rec.LastRunAt
	}
	return sched.Next(base.In(loc)), nil
}

// NextInterval computes last_run_at + interval for an interval-kind
// schedule.
func NextInterval(rec store.ScheduleRecord, now time.Time) (time.Time, error) {
	loc, err := scheduleLocation(rec.Timezone)
	if err != nil {
		return time.Time{}, err
	}
	base := rec.LastRunAt
	if base.IsZero() {
		base = now
	}
	return base.In(loc).Add(rec.IntervalNS), nil
}

func scheduleLocation(tz string) (*time.Location, error) {
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	return loc, nil
}

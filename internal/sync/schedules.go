package sync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/metrics"
	"analytics-sync-service/internal/store"
)

const (
	ActionEnqueued    = "enqueued"
	ActionSkipped     = "skipped"
	ActionFailed      = "failed"
	ActionInitialised = "initialised"
)

// ScheduleRunner turns due schedules into jobs.
type ScheduleRunner struct {
	store    store.Store
	enqueuer *Enqueuer
	loc      *time.Location
}

func NewScheduleRunner(st store.Store, enqueuer *Enqueuer, loc *time.Location) *ScheduleRunner {
	if loc == nil {
		loc = time.UTC
	}
	return &ScheduleRunner{store: st, enqueuer: enqueuer, loc: loc}
}

// RunSchedules evaluates every active schedule due at now. A schedule's
// failure is recorded in its outcome and does not stop the others.
func (r *ScheduleRunner) RunSchedules(ctx context.Context, now time.Time) (*ScheduleRun, error) {
	run := &ScheduleRun{Now: now, Outcomes: []ScheduleOutcome{}}

	unscheduled, err := r.store.ListUnscheduled(ctx)
	if err != nil {
		return run, fmt.Errorf("listing unscheduled schedules: %w", err)
	}
	for _, sc := range unscheduled {
		run.add(r.initialise(ctx, sc, now))
	}

	due, err := r.store.ListDueSchedules(ctx, now)
	if err != nil {
		return run, fmt.Errorf("listing due schedules: %w", err)
	}
	for _, sc := range due {
		run.add(r.runOne(ctx, sc, now))
	}

	logger.Log.Info("Schedules evaluated",
		zap.Int("due", len(due)),
		zap.Int("enqueued", run.Enqueued),
		zap.Int("skipped", run.Skipped),
		zap.Int("failed", run.Failed),
	)
	return run, nil
}

func (run *ScheduleRun) add(o ScheduleOutcome) {
	switch o.Action {
	case ActionEnqueued:
		run.Enqueued++
	case ActionSkipped:
		run.Skipped++
	case ActionFailed:
		run.Failed++
	}
	if o.Action != ActionInitialised {
		metrics.ScheduleOutcomes.WithLabelValues(o.Action).Inc()
	}
	run.Outcomes = append(run.Outcomes, o)
}

func (r *ScheduleRunner) initialise(ctx context.Context, sc *store.SyncSchedule, now time.Time) ScheduleOutcome {
	out := ScheduleOutcome{ScheduleID: sc.ID, ConfigID: sc.ConfigID, Action: ActionInitialised}

	next, err := FirstRun(sc, now, r.loc)
	if err != nil {
		return r.disable(ctx, sc, now, out, err)
	}
	if err := r.store.SetScheduleNextRun(ctx, sc.ID, next, nil); err != nil {
		out.Action = ActionFailed
		out.Error = err.Error()
		logger.Log.Error("Could not initialise schedule", zap.String("schedule_id", sc.ID), zap.Error(err))
		return out
	}
	out.NextRunAt = next
	return out
}

func (r *ScheduleRunner) runOne(ctx context.Context, sc *store.SyncSchedule, now time.Time) ScheduleOutcome {
	out := ScheduleOutcome{ScheduleID: sc.ID, ConfigID: sc.ConfigID}
	log := logger.Log.With(zap.String("schedule_id", sc.ID), zap.String("config_id", sc.ConfigID))

	next, err := NextRun(sc, r.loc)
	if err != nil {
		return r.disable(ctx, sc, now, out, err)
	}

	job, created, err := r.enqueuer.Enqueue(ctx, sc.ConfigID, EnqueueOptions{}, now)
	switch {
	case err != nil:
		out.Action = ActionFailed
		out.Error = err.Error()
		log.Error("Scheduled enqueue failed", zap.Error(err))
	case created:
		out.Action = ActionEnqueued
		out.JobID = job.ID
	default:
		out.Action = ActionSkipped
		out.JobID = job.ID
	}

	// The schedule advances whatever the enqueue outcome.
	if err := r.store.SetScheduleNextRun(ctx, sc.ID, next, &now); err != nil {
		out.Action = ActionFailed
		out.Error = fmt.Sprintf("advancing next_run_at: %v", err)
		log.Error("Could not advance schedule", zap.Error(err))
		return out
	}
	out.NextRunAt = next
	return out
}

// disable deactivates a schedule whose recurrence cannot be computed so it is
// not evaluated again.
func (r *ScheduleRunner) disable(ctx context.Context, sc *store.SyncSchedule, now time.Time, out ScheduleOutcome, cause error) ScheduleOutcome {
	out.Action = ActionFailed
	out.Error = fmt.Sprintf("schedule disabled: %v", cause)
	if err := r.store.DeactivateSchedule(ctx, sc.ID, now); err != nil {
		out.Error = fmt.Sprintf("%v (deactivating: %v)", cause, err)
	}
	logger.Log.Error("Disabled malformed schedule",
		zap.String("schedule_id", sc.ID),
		zap.String("config_id", sc.ConfigID),
		zap.Error(cause),
	)
	return out
}

// Period is the recurrence interval of a schedule in days.
func Period(t store.ScheduleType) (int, error) {
	switch t {
	case store.ScheduleDaily:
		return 1, nil
	case store.ScheduleWeekly:
		return 7, nil
	}
	return 0, fmt.Errorf("unknown schedule type %q", t)
}

// NextRun moves a schedule's next_run_at forward by exactly one period,
// keeping its wall-clock time of day in loc.
func NextRun(sc *store.SyncSchedule, loc *time.Location) (time.Time, error) {
	if err := sc.Validate(); err != nil {
		return time.Time{}, err
	}
	days, err := Period(sc.ScheduleType)
	if err != nil {
		return time.Time{}, err
	}
	if !sc.NextRunAt.Valid {
		return time.Time{}, fmt.Errorf("schedule %s has no next_run_at", sc.ID)
	}
	return sc.NextRunAt.Time.In(loc).AddDate(0, 0, days), nil
}

// FirstRun is the first occurrence of a schedule strictly after now.
func FirstRun(sc *store.SyncSchedule, now time.Time, loc *time.Location) (time.Time, error) {
	if err := sc.Validate(); err != nil {
		return time.Time{}, err
	}
	clock, err := time.Parse("15:04", sc.TimeOfDay)
	if err != nil {
		return time.Time{}, fmt.Errorf("schedule %s: bad time_of_day %q", sc.ID, sc.TimeOfDay)
	}

	local := now.In(loc)
	y, m, d := local.Date()
	next := time.Date(y, m, d, clock.Hour(), clock.Minute(), 0, 0, loc)
	for i := 0; i <= 7; i++ {
		if next.After(now) && (sc.ScheduleType != store.ScheduleWeekly || next.Weekday() == sc.DayOfWeek) {
			return next, nil
		}
		next = next.AddDate(0, 0, 1)
	}
	return time.Time{}, fmt.Errorf("schedule %s: no occurrence within a week of %s", sc.ID, now.Format(time.RFC3339))
}

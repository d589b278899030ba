package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/store"
)

// EnqueueOptions overrides the range a config would normally get.
type EnqueueOptions struct {
	Start    time.Time
	End      time.Time
	SyncType store.SyncType
}

func (o EnqueueOptions) explicit() bool {
	return !o.Start.IsZero() || !o.End.IsZero()
}

// Enqueuer creates jobs, holding at most one active job per config.
type Enqueuer struct {
	store store.Store
	loc   *time.Location
}

func NewEnqueuer(st store.Store, loc *time.Location) *Enqueuer {
	if loc == nil {
		loc = time.UTC
	}
	return &Enqueuer{store: st, loc: loc}
}

// Enqueue creates a pending job for configID. When the config already has an
// active job, that job is returned with created == false.
func (e *Enqueuer) Enqueue(ctx context.Context, configID string, opts EnqueueOptions, now time.Time) (job *store.QueueItem, created bool, err error) {
	cfg, err := e.store.GetSyncConfig(ctx, configID)
	if err != nil {
		return nil, false, fmt.Errorf("loading config %s: %w", configID, err)
	}
	if cfg == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrConfigNotFound, configID)
	}
	if !cfg.Active {
		return nil, false, fmt.Errorf("%w: %s is inactive", ErrInvalidConfig, configID)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, false, err
	}

	conn, err := e.store.GetConnection(ctx, cfg.ConnectionID)
	if err != nil {
		return nil, false, fmt.Errorf("loading connection %s: %w", cfg.ConnectionID, err)
	}
	if conn == nil {
		return nil, false, fmt.Errorf("%w: %s: connection %s not found", ErrInvalidConfig, configID, cfg.ConnectionID)
	}

	active, err := e.store.FindActiveJob(ctx, cfg.ID)
	if err != nil {
		return nil, false, fmt.Errorf("checking active jobs of %s: %w", cfg.ID, err)
	}
	if active != nil {
		logger.Log.Info("Config already has an active job",
			zap.String("config_id", cfg.ID),
			zap.String("job_id", active.ID),
		)
		return active, false, nil
	}

	start, end, syncType, err := e.rangeFor(cfg, opts, now)
	if err != nil {
		return nil, false, err
	}

	job = &store.QueueItem{
		ID:           uuid.NewString(),
		ConnectionID: conn.ID,
		ConfigID:     cfg.ID,
		GroupID:      conn.GroupID,
		StartDate:    start,
		EndDate:      end,
		SyncType:     syncType,
		TotalDays:    DayCount(start, end),
		Status:       store.JobPending,
		CreatedAt:    now,
	}
	if err := e.store.CreateJob(ctx, job); err != nil {
		return nil, false, fmt.Errorf("creating job for %s: %w", cfg.ID, err)
	}

	logger.Log.Info("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("config_id", cfg.ID),
		zap.String("sync_type", string(syncType)),
		zap.String("start_date", start.Format(store.DateLayout)),
		zap.String("end_date", end.Format(store.DateLayout)),
		zap.Int("total_days", job.TotalDays),
	)
	return job, true, nil
}

func (e *Enqueuer) rangeFor(cfg *store.SyncConfig, opts EnqueueOptions, now time.Time) (time.Time, time.Time, store.SyncType, error) {
	if !opts.explicit() {
		return JobRange(cfg, Today(now, e.loc))
	}

	start, end := opts.Start, opts.End
	if start.IsZero() {
		start = cfg.InitialDate
	}
	if end.IsZero() {
		end = Today(now, e.loc)
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, "", fmt.Errorf("%w: range starts %s after %s",
			ErrInvalidConfig, start.Format(store.DateLayout), end.Format(store.DateLayout))
	}

	syncType := opts.SyncType
	if syncType == "" {
		syncType = store.SyncFull
		if cfg.IsIncremental {
			syncType = store.SyncIncremental
		}
	}
	return start, end, syncType, nil
}

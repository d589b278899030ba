package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/metrics"
	"analytics-sync-service/internal/store"
)

// DayProcessor is the unit of work the drainer repeats.
type DayProcessor interface {
	ProcessDay(ctx context.Context, jobID string) (DayResult, error)
}

// DrainerConfig bounds one drain invocation.
type DrainerConfig struct {
	MaxJobs        int
	InterCallDelay time.Duration
}

// Drainer works through active jobs oldest first, one at a time, until each
// is terminal or the time budget runs out.
type Drainer struct {
	store     store.Store
	processor DayProcessor
	cfg       DrainerConfig
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewDrainer(st store.Store, processor DayProcessor, cfg DrainerConfig) *Drainer {
	if cfg.MaxJobs <= 0 {
		cfg.MaxJobs = 5
	}
	return &Drainer{
		store:     st,
		processor: processor,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

// WithClock replaces the drainer's time source and sleep.
func (d *Drainer) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Drainer {
	d.now = now
	d.sleep = sleep
	return d
}

// Drain processes up to MaxJobs active jobs within budget. Running out of
// budget is not an error: unfinished jobs stay processing for the next drain.
func (d *Drainer) Drain(ctx context.Context, budget time.Duration) (*DrainSummary, error) {
	started := d.now()
	deadline := started.Add(budget)
	summary := &DrainSummary{StartedAt: started, Jobs: []JobRun{}}
	defer func() {
		elapsed := d.now().Sub(started)
		summary.Elapsed = elapsed.String()
		metrics.DrainDuration.Observe(elapsed.Seconds())
	}()

	jobs, err := d.store.ListJobs(ctx, store.ActiveStatuses, d.cfg.MaxJobs)
	if err != nil {
		return summary, fmt.Errorf("listing active jobs: %w", err)
	}

	logger.Log.Info("Draining queue",
		zap.Int("jobs", len(jobs)),
		zap.Duration("budget", budget),
	)

	for _, job := range jobs {
		if !d.now().Before(deadline) || ctx.Err() != nil {
			summary.BudgetExhausted = true
			break
		}
		run := d.drainJob(ctx, job, deadline)
		summary.Jobs = append(summary.Jobs, run)
		if run.OutOfBudget {
			summary.BudgetExhausted = true
			break
		}
	}

	logger.Log.Info("Drain finished",
		zap.Int("jobs", len(summary.Jobs)),
		zap.Bool("budget_exhausted", summary.BudgetExhausted),
	)
	return summary, nil
}

// DrainJob runs the inner loop for a single job.
func (d *Drainer) DrainJob(ctx context.Context, jobID string, budget time.Duration) (*JobRun, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	run := d.drainJob(ctx, job, d.now().Add(budget))
	return &run, nil
}

func (d *Drainer) drainJob(ctx context.Context, job *store.QueueItem, deadline time.Time) JobRun {
	run := JobRun{
		JobID:     job.ID,
		ConfigID:  job.ConfigID,
		Status:    job.Status,
		Processed: job.ProcessedDays,
		Total:     job.TotalDays,
	}
	log := logger.Log.With(zap.String("job_id", job.ID))

	for {
		if !d.now().Before(deadline) || ctx.Err() != nil {
			run.OutOfBudget = true
			log.Info("Budget exhausted, job suspended", zap.Int("processed_days", run.Processed))
			return run
		}

		before := run.Processed
		res, err := d.processor.ProcessDay(ctx, job.ID)
		run.Calls++
		if err != nil {
			if ctx.Err() != nil {
				run.OutOfBudget = true
				return run
			}
			run.Error = err.Error()
			if errors.Is(err, ErrJobNotFound) {
				return run
			}
			run.Status = d.recordFetchError(ctx, job.ID, err)
			return run
		}

		run.Status = res.Status
		run.Processed = res.ProcessedDays
		run.Total = res.TotalDays
		run.Records += res.DayRecords
		if res.Error != "" {
			run.Error = res.Error
		}

		if res.Status.Terminal() {
			return run
		}
		// Another caller committed or holds the checkpoint.
		if res.ProcessedDays == before && run.Calls > 1 {
			log.Warn("Job made no progress, leaving it for the next drain")
			return run
		}

		if err := d.sleep(ctx, d.cfg.InterCallDelay); err != nil {
			run.OutOfBudget = true
			return run
		}
	}
}

// recordFetchError marks a job whose day processing could not be invoked.
func (d *Drainer) recordFetchError(ctx context.Context, jobID string, cause error) store.JobStatus {
	ok, err := d.store.TransitionJob(ctx, jobID, store.ActiveStatuses, store.JobFetchError, cause.Error(), d.now())
	if err != nil || !ok {
		logger.Log.Error("Could not record fetch error",
			zap.String("job_id", jobID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		if job, gerr := d.store.GetJob(ctx, jobID); gerr == nil && job != nil {
			return job.Status
		}
		return store.JobFetchError
	}
	metrics.JobsFinished.WithLabelValues(string(store.JobFetchError)).Inc()
	logger.Log.Error("Day processing failed, job stopped", zap.String("job_id", jobID), zap.Error(cause))
	return store.JobFetchError
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"analytics-sync-service/internal/analytics"
	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/metrics"
	"analytics-sync-service/internal/store"
)

var validate = validator.New()

// TokenSource hands out bearer tokens for a connection's credentials.
type TokenSource interface {
	Token(ctx context.Context, creds analytics.Credentials) (string, error)
}

// QueryRunner executes a dataset query.
type QueryRunner interface {
	ExecuteQuery(ctx context.Context, token, datasetID, query string) (*analytics.QueryResult, error)
}

// Processor runs one unit of work: the next batch of days of a job.
type Processor struct {
	store   store.Store
	tokens  TokenSource
	queries QueryRunner
	writer  *Writer
	now     func() time.Time
}

func NewProcessor(st store.Store, tokens TokenSource, queries QueryRunner, writer *Writer) *Processor {
	return &Processor{
		store:   st,
		tokens:  tokens,
		queries: queries,
		writer:  writer,
		now:     time.Now,
	}
}

// WithClock replaces the processor's time source.
func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// ProcessDay advances jobID by up to days_per_batch days. Failures of the
// day are reported through the result's status; the returned error is
// reserved for the job store itself, a missing job and cancellation of ctx.
func (p *Processor) ProcessDay(ctx context.Context, jobID string) (DayResult, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return DayResult{}, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job == nil {
		return DayResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status.Terminal() {
		return resultOf(job), nil
	}

	if job.Status == store.JobPending {
		claimed, err := p.store.TransitionJob(ctx, job.ID, []store.JobStatus{store.JobPending}, store.JobProcessing, "", p.now())
		if err != nil {
			return DayResult{}, fmt.Errorf("claiming job %s: %w", job.ID, err)
		}
		if !claimed {
			return p.reload(ctx, job.ID)
		}
		job.Status = store.JobProcessing
		logger.Log.Info("Job started",
			zap.String("job_id", job.ID),
			zap.String("config_id", job.ConfigID),
			zap.Int("total_days", job.TotalDays),
		)
	}

	cfg, err := p.store.GetSyncConfig(ctx, job.ConfigID)
	if err != nil {
		return DayResult{}, fmt.Errorf("loading config %s: %w", job.ConfigID, err)
	}
	if cfg == nil {
		return p.fail(ctx, job, store.JobDayError, fmt.Errorf("%w: %s", ErrConfigNotFound, job.ConfigID))
	}
	if err := ValidateConfig(cfg); err != nil {
		return p.fail(ctx, job, store.JobDayError, err)
	}

	if job.Remaining() <= 0 {
		return p.advance(ctx, job, cfg, 0, 0, 0)
	}

	conn, err := p.store.GetConnection(ctx, job.ConnectionID)
	if err != nil {
		return DayResult{}, fmt.Errorf("loading connection %s: %w", job.ConnectionID, err)
	}
	if conn == nil {
		return p.fail(ctx, job, store.JobFetchError,
			fmt.Errorf("%w: connection %s not found", analytics.ErrAuthentication, job.ConnectionID))
	}

	token, err := p.tokens.Token(ctx, analytics.Credentials{
		TenantID:     conn.TenantID,
		ClientID:     conn.ClientID,
		ClientSecret: conn.ClientSecret,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resultOf(job), ctxErr
		}
		return p.fail(ctx, job, store.JobFetchError, err)
	}

	days := cfg.DaysPerBatch
	if r := job.Remaining(); days > r {
		days = r
	}
	batchStart := AddDays(job.StartDate, job.ProcessedDays)
	batchEnd := AddDays(batchStart, days-1)

	res, err := p.queries.ExecuteQuery(ctx, token, cfg.DatasetID, RenderQuery(cfg.QueryTemplate, batchStart, batchEnd))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resultOf(job), ctxErr
		}
		return p.fail(ctx, job, store.JobDayError, err)
	}

	records, skipped := p.mapRows(job, cfg, res, batchStart, batchEnd)
	written, err := p.writer.Write(ctx, cfg.EntityType, records)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resultOf(job), ctxErr
		}
		return p.fail(ctx, job, store.JobDayError, err)
	}

	return p.advance(ctx, job, cfg, days, written, skipped)
}

func (p *Processor) mapRows(job *store.QueueItem, cfg *store.SyncConfig, res *analytics.QueryResult, batchStart, batchEnd time.Time) ([]store.Record, int) {
	mapper := NewMapper(cfg, batchStart, batchEnd)
	syncedAt := p.now().UTC()

	var (
		records []store.Record
		skipped int
	)
	for i, row := range res.Records() {
		mapped, err := mapper.Map(row)
		if err == nil {
			var payload []byte
			if payload, err = json.Marshal(mapped.Fields); err == nil {
				records = append(records, store.Record{
					GroupID:     job.GroupID,
					BusinessKey: mapped.BusinessKey,
					RecordDate:  mapped.Date,
					CompanyCode: mapped.CompanyCode,
					ConfigID:    cfg.ID,
					Payload:     payload,
					SyncedAt:    syncedAt,
				})
				continue
			}
		}
		skipped++
		logger.Log.Warn("Skipping unmappable row",
			zap.String("job_id", job.ID),
			zap.Int("row", i),
			zap.Error(err),
		)
	}
	if skipped > 0 {
		metrics.RecordsSkipped.WithLabelValues(cfg.EntityType).Add(float64(skipped))
	}
	return records, skipped
}

// advance commits the checkpoint for days processed days. The job finishes
// once every day is processed: empty when no day returned any row.
func (p *Processor) advance(ctx context.Context, job *store.QueueItem, cfg *store.SyncConfig, days, written, skipped int) (DayResult, error) {
	processed := job.ProcessedDays + days
	status := store.JobProcessing
	if processed >= job.TotalDays {
		status = store.JobCompleted
		if job.TotalRecords+job.SkippedRecords+int64(written+skipped) == 0 {
			status = store.JobEmpty
		}
	}

	ok, err := p.store.AdvanceJob(ctx, store.JobCheckpoint{
		JobID:             job.ID,
		ExpectedStatus:    job.Status,
		ExpectedProcessed: job.ProcessedDays,
		ProcessedDays:     processed,
		Status:            status,
		AddRecords:        int64(written),
		AddSkippedRecords: int64(skipped),
		At:                p.now(),
	})
	if err != nil {
		return DayResult{}, fmt.Errorf("advancing job %s: %w", job.ID, err)
	}
	if !ok {
		logger.Log.Warn("Checkpoint not applied, job changed underneath",
			zap.String("job_id", job.ID),
			zap.Int("expected_processed", job.ProcessedDays),
		)
		return p.reload(ctx, job.ID)
	}

	if days > 0 {
		metrics.DaysProcessed.WithLabelValues(cfg.EntityType).Add(float64(days))
	}
	if status.Terminal() {
		metrics.JobsFinished.WithLabelValues(string(status)).Inc()
		logger.Log.Info("Job finished",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Int64("total_records", job.TotalRecords+int64(written)),
		)
	}

	return DayResult{
		JobID:          job.ID,
		Status:         status,
		ProcessedDays:  processed,
		TotalDays:      job.TotalDays,
		DayRecords:     written,
		SkippedRecords: skipped,
	}, nil
}

// fail moves the job to a terminal failure status, unless another actor
// already moved it.
func (p *Processor) fail(ctx context.Context, job *store.QueueItem, status store.JobStatus, cause error) (DayResult, error) {
	msg := cause.Error()
	ok, err := p.store.TransitionJob(ctx, job.ID, store.ActiveStatuses, status, msg, p.now())
	if err != nil {
		return DayResult{}, fmt.Errorf("recording %s for job %s: %w", status, job.ID, err)
	}
	if !ok {
		return p.reload(ctx, job.ID)
	}

	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	logger.Log.Error("Job failed",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.Int("processed_days", job.ProcessedDays),
		zap.Error(cause),
	)

	return DayResult{
		JobID:         job.ID,
		Status:        status,
		ProcessedDays: job.ProcessedDays,
		TotalDays:     job.TotalDays,
		Error:         msg,
	}, nil
}

func (p *Processor) reload(ctx context.Context, jobID string) (DayResult, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return DayResult{}, fmt.Errorf("reloading job %s: %w", jobID, err)
	}
	if job == nil {
		return DayResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return resultOf(job), nil
}

func resultOf(job *store.QueueItem) DayResult {
	return DayResult{
		JobID:         job.ID,
		Status:        job.Status,
		ProcessedDays: job.ProcessedDays,
		TotalDays:     job.TotalDays,
		Error:         job.LastError.String,
	}
}

// ValidateConfig checks a config is usable before a job relies on it.
func ValidateConfig(cfg *store.SyncConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, cfg.ID, err)
	}
	if _, err := store.RecordTable(cfg.EntityType); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, cfg.ID, err)
	}
	if cfg.InitialDate.IsZero() {
		return fmt.Errorf("%w: %s: initial_date is not set", ErrInvalidConfig, cfg.ID)
	}
	for _, k := range cfg.KeyFields {
		if _, ok := cfg.FieldMapping[k]; !ok {
			return fmt.Errorf("%w: %s: key field %q is not mapped", ErrInvalidConfig, cfg.ID, k)
		}
	}
	if cfg.CompanyField != "" {
		if _, ok := cfg.FieldMapping[cfg.CompanyField]; !ok {
			return fmt.Errorf("%w: %s: company field %q is not mapped", ErrInvalidConfig, cfg.ID, cfg.CompanyField)
		}
	}
	return nil
}

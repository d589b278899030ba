package sync

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"analytics-sync-service/internal/analytics"
	"analytics-sync-service/internal/config"
	"analytics-sync-service/internal/logger"
	"analytics-sync-service/internal/store"
)

const (
	StatusIdle     = "idle"
	StatusDraining = "draining"
)

// Manager wires the pipeline components together and is the entry point of
// every trigger surface.
type Manager struct {
	cfg       *config.Config
	store     store.Store
	tokens    *analytics.TokenCache
	processor *Processor
	drainer   *Drainer
	enqueuer  *Enqueuer
	schedules *ScheduleRunner
	loc       *time.Location
	now       func() time.Time
	mu        sync.Mutex
	status    string
}

type managerOptions struct {
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	httpClient *http.Client
}

// Option customises a Manager.
type Option func(*managerOptions)

// WithClock injects the time source and the sleep used between day calls.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(o *managerOptions) {
		o.now = now
		o.sleep = sleep
	}
}

// WithHTTPClient sets the client used for the token exchange and queries.
func WithHTTPClient(c *http.Client) Option {
	return func(o *managerOptions) { o.httpClient = c }
}

func NewManager(cfg *config.Config, st store.Store, opts ...Option) *Manager {
	o := managerOptions{now: time.Now, sleep: sleepContext}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.Analytics.GetRequestTimeout()}
	}

	loc := cfg.Sync.Location()
	tokens := analytics.NewTokenCache()

	var scopes []string
	if cfg.Analytics.Scope != "" {
		scopes = strings.Fields(cfg.Analytics.Scope)
	}
	provider := analytics.NewTokenProvider(analytics.TokenProviderConfig{
		TokenURL:        cfg.Analytics.TokenURLFor,
		Scopes:          scopes,
		SafetyMargin:    cfg.Sync.GetTokenSafetyMargin(),
		DefaultLifetime: cfg.Sync.GetDefaultTokenLifetime(),
	}, tokens, o.httpClient).WithClock(o.now)

	client := analytics.NewClient(analytics.ClientConfig{
		BaseURL:           cfg.Analytics.APIBaseURL,
		Timeout:           cfg.Analytics.GetRequestTimeout(),
		RequestsPerSecond: cfg.Analytics.RequestsPerSecond,
		Burst:             cfg.Analytics.Burst,
	}, o.httpClient)

	processor := NewProcessor(st, provider, client, NewWriter(st, cfg.Sync.BatchInsertSize)).WithClock(o.now)
	drainer := NewDrainer(st, processor, DrainerConfig{
		MaxJobs:        cfg.Sync.MaxJobsPerDrain,
		InterCallDelay: cfg.Sync.GetInterCallDelay(),
	}).WithClock(o.now, o.sleep)
	enqueuer := NewEnqueuer(st, loc)

	return &Manager{
		cfg:       cfg,
		store:     st,
		tokens:    tokens,
		processor: processor,
		drainer:   drainer,
		enqueuer:  enqueuer,
		schedules: NewScheduleRunner(st, enqueuer, loc),
		loc:       loc,
		now:       o.now,
		status:    StatusIdle,
	}
}

// Drain runs one bounded drain. A budget of zero uses the configured one.
// Only one drain runs at a time per process.
func (m *Manager) Drain(ctx context.Context, budget time.Duration) (*DrainSummary, error) {
	m.mu.Lock()
	if m.status == StatusDraining {
		m.mu.Unlock()
		return nil, ErrDrainInProgress
	}
	m.status = StatusDraining
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.status = StatusIdle
		m.mu.Unlock()
	}()

	if budget <= 0 {
		budget = m.cfg.Sync.GetDrainBudget()
	}
	return m.drainer.Drain(ctx, budget)
}

// ProcessDay runs a single unit of work for a job.
func (m *Manager) ProcessDay(ctx context.Context, jobID string) (DayResult, error) {
	return m.processor.ProcessDay(ctx, jobID)
}

func (m *Manager) RunSchedules(ctx context.Context) (*ScheduleRun, error) {
	return m.schedules.RunSchedules(ctx, m.now())
}

func (m *Manager) Enqueue(ctx context.Context, configID string, opts EnqueueOptions) (*store.QueueItem, bool, error) {
	return m.enqueuer.Enqueue(ctx, configID, opts, m.now())
}

// Cancel stops a pending or processing job. Days already committed stay.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*store.QueueItem, error) {
	ok, err := m.store.TransitionJob(ctx, jobID, store.ActiveStatuses, store.JobCancelled, "cancelled by administrator", m.now())
	if err != nil {
		return nil, fmt.Errorf("cancelling job %s: %w", jobID, err)
	}

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if !ok {
		return job, fmt.Errorf("%w: %s is %s", ErrJobNotCancellable, jobID, job.Status)
	}

	logger.Log.Info("Job cancelled",
		zap.String("job_id", job.ID),
		zap.Int("processed_days", job.ProcessedDays),
	)
	return job, nil
}

// Requeue creates a fresh pending job over the same range as a finished one.
func (m *Manager) Requeue(ctx context.Context, jobID string) (*store.QueueItem, bool, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, false, fmt.Errorf("loading job %s: %w", jobID, err)
	}
	if job == nil {
		return nil, false, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if !job.Status.Terminal() {
		return nil, false, fmt.Errorf("%w: %s is %s", ErrJobNotTerminal, jobID, job.Status)
	}

	return m.enqueuer.Enqueue(ctx, job.ConfigID, EnqueueOptions{
		Start:    job.StartDate,
		End:      job.EndDate,
		SyncType: job.SyncType,
	}, m.now())
}

func (m *Manager) Job(ctx context.Context, jobID string) (*store.QueueItem, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job, nil
}

func (m *Manager) Jobs(ctx context.Context, statuses []store.JobStatus, limit int) ([]*store.QueueItem, error) {
	return m.store.ListJobs(ctx, statuses, limit)
}

func (m *Manager) Stats(ctx context.Context, configID string) (*ConfigStats, error) {
	return Stats(ctx, m.store, configID, Today(m.now(), m.loc))
}

func (m *Manager) Close() {
	if err := m.store.Close(); err != nil {
		logger.Log.Warn("Closing store", zap.Error(err))
	}
}

func (m *Manager) GetStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// CachedTokens reports how many credential tokens the process holds.
func (m *Manager) CachedTokens() int {
	return m.tokens.Len()
}

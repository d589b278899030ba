package sync

import (
	"errors"
	"fmt"
	"time"

	"analytics-sync-service/internal/store"
)

var (
	ErrJobNotFound       = errors.New("sync: job not found")
	ErrConfigNotFound    = errors.New("sync: config not found")
	ErrInvalidConfig     = errors.New("sync: invalid config")
	ErrMapping           = errors.New("sync: row mapping failed")
	ErrPersistence       = errors.New("sync: persisting records failed")
	ErrDrainInProgress   = errors.New("sync: a drain is already running")
	ErrJobNotCancellable = errors.New("sync: job is not pending or processing")
	ErrJobNotTerminal    = errors.New("sync: only finished jobs can be requeued")
)

// DayResult is what one Day Processor call reports back.
type DayResult struct {
	JobID          string          `json:"job_id"`
	Status         store.JobStatus `json:"status"`
	ProcessedDays  int             `json:"processed_days"`
	TotalDays      int             `json:"total_days"`
	DayRecords     int             `json:"day_records"`
	SkippedRecords int             `json:"skipped_records"`
	Error          string          `json:"error,omitempty"`
}

func (r DayResult) String() string {
	return fmt.Sprintf("[%s] %s %d/%d (%d records)", r.Status, r.JobID, r.ProcessedDays, r.TotalDays, r.DayRecords)
}

// JobRun summarises one job's inner drain loop.
type JobRun struct {
	JobID       string          `json:"job_id"`
	ConfigID    string          `json:"config_id"`
	Calls       int             `json:"calls"`
	Status      store.JobStatus `json:"status"`
	Processed   int             `json:"processed_days"`
	Total       int             `json:"total_days"`
	Records     int             `json:"records"`
	Error       string          `json:"error,omitempty"`
	OutOfBudget bool            `json:"out_of_budget"`
}

// DrainSummary is the outcome of one drain invocation.
type DrainSummary struct {
	StartedAt       time.Time `json:"started_at"`
	Elapsed         string    `json:"elapsed"`
	Jobs            []JobRun  `json:"jobs"`
	BudgetExhausted bool      `json:"budget_exhausted"`
}

// ScheduleOutcome records what happened to one due schedule.
type ScheduleOutcome struct {
	ScheduleID string    `json:"schedule_id"`
	ConfigID   string    `json:"config_id"`
	Action     string    `json:"action"` // enqueued, skipped, failed, initialised
	JobID      string    `json:"job_id,omitempty"`
	NextRunAt  time.Time `json:"next_run_at"`
	Error      string    `json:"error,omitempty"`
}

// ScheduleRun is the outcome of one run-schedules invocation.
type ScheduleRun struct {
	Now      time.Time         `json:"now"`
	Outcomes []ScheduleOutcome `json:"outcomes"`
	Enqueued int               `json:"enqueued"`
	Skipped  int               `json:"skipped"`
	Failed   int               `json:"failed"`
}

package store

import (
	"context"
	"time"
)

// Store is the job store and destination store. Reads return nil, nil when
// the row does not exist.
type Store interface {
	// Connections
	CreateConnection(ctx context.Context, conn *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)

	// Configs
	CreateSyncConfig(ctx context.Context, cfg *SyncConfig) error
	GetSyncConfig(ctx context.Context, id string) (*SyncConfig, error)

	// Schedules
	CreateSchedule(ctx context.Context, schedule *SyncSchedule) error
	GetSchedule(ctx context.Context, id string) (*SyncSchedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]*SyncSchedule, error)
	ListUnscheduled(ctx context.Context) ([]*SyncSchedule, error)
	SetScheduleNextRun(ctx context.Context, id string, next time.Time, lastRun *time.Time) error
	// DeactivateSchedule stops a schedule from being listed again.
	DeactivateSchedule(ctx context.Context, id string, at time.Time) error

	// Queue
	CreateJob(ctx context.Context, job *QueueItem) error
	GetJob(ctx context.Context, id string) (*QueueItem, error)
	// ListJobs returns jobs in the given statuses, oldest first. A nil or
	// empty status list matches every job.
	ListJobs(ctx context.Context, statuses []JobStatus, limit int) ([]*QueueItem, error)
	FindActiveJob(ctx context.Context, configID string) (*QueueItem, error)
	// TransitionJob moves a job to status `to` only if its current status is
	// one of `from`. It reports whether the row matched.
	TransitionJob(ctx context.Context, id string, from []JobStatus, to JobStatus, lastError string, at time.Time) (bool, error)
	// AdvanceJob applies a checkpoint only if the job still has the expected
	// status and processed_days. It reports whether the row matched.
	AdvanceJob(ctx context.Context, cp JobCheckpoint) (bool, error)

	// Records
	EnsureRecordTable(ctx context.Context, entityType string) error
	UpsertRecords(ctx context.Context, entityType string, records []Record) error
	CountRecords(ctx context.Context, entityType, groupID string) (int64, error)
	ScanRecords(ctx context.Context, entityType, groupID string, from, to time.Time, fn func(RecordRef) error) error

	// General
	Migrate(ctx context.Context) error
	Close() error
}

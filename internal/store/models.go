package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DateLayout is how calendar dates are stored and exchanged.
const DateLayout = "2006-01-02"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobEmpty      JobStatus = "empty"
	JobCancelled  JobStatus = "cancelled"
	JobDayError   JobStatus = "day_error"
	JobFetchError JobStatus = "fetch_error"
)

// ActiveStatuses are the statuses a drain picks up.
var ActiveStatuses = []JobStatus{JobPending, JobProcessing}

func (s JobStatus) Active() bool {
	return s == JobPending || s == JobProcessing
}

func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobEmpty, JobCancelled, JobDayError, JobFetchError:
		return true
	}
	return false
}

type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

type ScheduleType string

const (
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
)

// Connection holds the client credentials for one analytics tenant.
type Connection struct {
	ID           string    `db:"id"`
	GroupID      string    `db:"group_id"`
	Name         string    `db:"name"`
	TenantID     string    `db:"tenant_id"`
	ClientID     string    `db:"client_id"`
	ClientSecret string    `db:"client_secret"`
	CreatedAt    time.Time `db:"created_at"`
}

// SyncConfig is one ingestion recipe per (connection, entity type).
type SyncConfig struct {
	ID            string `db:"id" validate:"required"`
	ConnectionID  string `db:"connection_id" validate:"required"`
	EntityType    string `db:"entity_type" validate:"required,max=48"`
	DatasetID     string `db:"dataset_id" validate:"required"`
	QueryTemplate string `db:"query_template" validate:"required"`
	// FieldMapping maps destination field -> source column.
	FieldMapping map[string]string `db:"field_mapping" validate:"required,min=1"`
	// KeyFields are destination fields forming the business key. Empty means
	// the whole mapped record is the key.
	KeyFields       []string  `db:"key_fields"`
	CompanyField    string    `db:"company_field"`
	DateField       string    `db:"date_field" validate:"required"`
	IsIncremental   bool      `db:"is_incremental"`
	IncrementalDays int       `db:"incremental_days" validate:"gte=0"`
	InitialDate     time.Time `db:"initial_date" validate:"required"`
	DaysPerBatch    int       `db:"days_per_batch" validate:"min=1,max=365"`
	Active          bool      `db:"active"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// SyncSchedule is a recurrence rule bound to one SyncConfig.
type SyncSchedule struct {
	ID           string       `db:"id"`
	ConfigID     string       `db:"config_id"`
	ScheduleType ScheduleType `db:"schedule_type"`
	// DayOfWeek is only meaningful for weekly schedules.
	DayOfWeek time.Weekday `db:"day_of_week"`
	// TimeOfDay is "HH:MM" wall clock in the service timezone.
	TimeOfDay string       `db:"time_of_day"`
	NextRunAt sql.NullTime `db:"next_run_at"`
	LastRunAt sql.NullTime `db:"last_run_at"`
	Active    bool         `db:"active"`
	CreatedAt time.Time    `db:"created_at"`
}

// ErrInvalidSchedule marks a schedule row whose recurrence cannot be computed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Validate checks the recurrence fields of a schedule.
func (sc *SyncSchedule) Validate() error {
	switch sc.ScheduleType {
	case ScheduleDaily:
	case ScheduleWeekly:
		if sc.DayOfWeek < time.Sunday || sc.DayOfWeek > time.Saturday {
			return fmt.Errorf("%w: day_of_week %d out of range 0-6", ErrInvalidSchedule, int(sc.DayOfWeek))
		}
	default:
		return fmt.Errorf("%w: unknown schedule type %q", ErrInvalidSchedule, sc.ScheduleType)
	}
	if _, err := time.Parse("15:04", sc.TimeOfDay); err != nil {
		return fmt.Errorf("%w: bad time_of_day %q", ErrInvalidSchedule, sc.TimeOfDay)
	}
	return nil
}

// QueueItem is a durable unit of sync work for one (connection, config, date range).
type QueueItem struct {
	ID             string         `db:"id"`
	ConnectionID   string         `db:"connection_id"`
	ConfigID       string         `db:"config_id"`
	GroupID        string         `db:"group_id"`
	StartDate      time.Time      `db:"start_date"`
	EndDate        time.Time      `db:"end_date"`
	SyncType       SyncType       `db:"sync_type"`
	TotalDays      int            `db:"total_days"`
	ProcessedDays  int            `db:"processed_days"`
	TotalRecords   int64          `db:"total_records"`
	SkippedRecords int64          `db:"skipped_records"`
	Status         JobStatus      `db:"status"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
	CompletedAt    sql.NullTime   `db:"completed_at"`
}

// Remaining is the number of days not yet committed.
func (q *QueueItem) Remaining() int {
	return q.TotalDays - q.ProcessedDays
}

// JobCheckpoint advances a job from an expected prior state.
type JobCheckpoint struct {
	JobID             string
	ExpectedStatus    JobStatus
	ExpectedProcessed int
	ProcessedDays     int
	Status            JobStatus
	AddRecords        int64
	AddSkippedRecords int64
	At                time.Time
}

// Record is one destination row, unique on (GroupID, BusinessKey, RecordDate).
type Record struct {
	GroupID     string    `db:"group_id"`
	BusinessKey string    `db:"business_key"`
	RecordDate  time.Time `db:"record_date"`
	CompanyCode string    `db:"company_code"`
	ConfigID    string    `db:"config_id"`
	Payload     []byte    `db:"payload"`
	SyncedAt    time.Time `db:"synced_at"`
}

// RecordRef is the slice of a record the statistics scan needs.
type RecordRef struct {
	CompanyCode string
	RecordDate  time.Time
}

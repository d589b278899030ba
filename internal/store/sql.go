package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"analytics-sync-service/internal/config"
	"analytics-sync-service/internal/database"
	"analytics-sync-service/internal/logger"
)

// SQLStore implements Store on MySQL, PostgreSQL or SQLite.
type SQLStore struct {
	db      *database.Database
	d       database.Dialect
	ensured sync.Map // record tables already created
}

// NewSQLStore connects to the configured state storage and creates the
// control tables if they are missing.
func NewSQLStore(ctx context.Context, cfg config.StateStorage) (*SQLStore, error) {
	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}
	s := NewSQLStoreFromDB(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate state store: %w", err)
	}
	return s, nil
}

func NewSQLStoreFromDB(db *database.Database) *SQLStore {
	return &SQLStore{db: db, d: db.Dialect}
}

// Database exposes the underlying connection pool.
func (s *SQLStore) Database() *database.Database {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range controlSchema(s.d) {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("executing %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.DB.ExecContext(ctx, s.d.Rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.DB.QueryRowContext(ctx, s.d.Rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.DB.QueryContext(ctx, s.d.Rebind(query), args...)
}

// --- connections ---

func (s *SQLStore) CreateConnection(ctx context.Context, conn *Connection) error {
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO sync_connections (id, group_id, name, tenant_id, client_id, client_secret, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conn.ID, conn.GroupID, conn.Name, conn.TenantID, conn.ClientID, conn.ClientSecret, conn.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) GetConnection(ctx context.Context, id string) (*Connection, error) {
	row := s.queryRow(ctx, `SELECT id, group_id, name, tenant_id, client_id, client_secret, created_at
			  FROM sync_connections WHERE id = ?`, id)

	var c Connection
	err := row.Scan(&c.ID, &c.GroupID, &c.Name, &c.TenantID, &c.ClientID, &c.ClientSecret, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// --- configs ---

func (s *SQLStore) CreateSyncConfig(ctx context.Context, cfg *SyncConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = now
	}
	mapping, err := json.Marshal(cfg.FieldMapping)
	if err != nil {
		return fmt.Errorf("encoding field mapping: %w", err)
	}
	keyFields := cfg.KeyFields
	if keyFields == nil {
		keyFields = []string{}
	}
	keys, err := json.Marshal(keyFields)
	if err != nil {
		return fmt.Errorf("encoding key fields: %w", err)
	}

	_, err = s.exec(ctx, `INSERT INTO sync_configs (id, connection_id, entity_type, dataset_id, query_template, field_mapping,
			  key_fields, company_field, date_field, is_incremental, incremental_days, initial_date, days_per_batch, active,
			  created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.ConnectionID, cfg.EntityType, cfg.DatasetID, cfg.QueryTemplate, string(mapping),
		string(keys), cfg.CompanyField, cfg.DateField, cfg.IsIncremental, cfg.IncrementalDays,
		formatDate(cfg.InitialDate), cfg.DaysPerBatch, cfg.Active,
		cfg.CreatedAt.UTC(), cfg.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) GetSyncConfig(ctx context.Context, id string) (*SyncConfig, error) {
	row := s.queryRow(ctx, `SELECT id, connection_id, entity_type, dataset_id, query_template, field_mapping, key_fields,
			  company_field, date_field, is_incremental, incremental_days, initial_date, days_per_batch, active,
			  created_at, updated_at
			  FROM sync_configs WHERE id = ?`, id)

	var (
		c                  SyncConfig
		mapping, keyFields string
		initialDate        string
	)
	err := row.Scan(
		&c.ID,
		&c.ConnectionID,
		&c.EntityType,
		&c.DatasetID,
		&c.QueryTemplate,
		&mapping,
		&keyFields,
		&c.CompanyField,
		&c.DateField,
		&c.IsIncremental,
		&c.IncrementalDays,
		&initialDate,
		&c.DaysPerBatch,
		&c.Active,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(mapping), &c.FieldMapping); err != nil {
		return nil, fmt.Errorf("decoding field mapping of config %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(keyFields), &c.KeyFields); err != nil {
		return nil, fmt.Errorf("decoding key fields of config %s: %w", id, err)
	}
	if c.InitialDate, err = parseDate(initialDate); err != nil {
		return nil, fmt.Errorf("config %s: %w", id, err)
	}
	return &c, nil
}

// --- schedules ---

const scheduleColumns = `id, config_id, schedule_type, day_of_week, time_of_day, next_run_at, last_run_at, active, created_at`

func (s *SQLStore) CreateSchedule(ctx context.Context, sc *SyncSchedule) error {
	if err := sc.Validate(); err != nil {
		return err
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, `INSERT INTO sync_schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.ConfigID, string(sc.ScheduleType), int(sc.DayOfWeek), sc.TimeOfDay,
		utcNullTime(sc.NextRunAt), utcNullTime(sc.LastRunAt), sc.Active, sc.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLStore) GetSchedule(ctx context.Context, id string) (*SyncSchedule, error) {
	rows, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM sync_schedules WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	list, err := scanSchedules(rows)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return list[0], nil
}

func (s *SQLStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*SyncSchedule, error) {
	rows, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM sync_schedules
			  WHERE active = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
			  ORDER BY next_run_at`, true, now.UTC())
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *SQLStore) ListUnscheduled(ctx context.Context) ([]*SyncSchedule, error) {
	rows, err := s.query(ctx, `SELECT `+scheduleColumns+` FROM sync_schedules
			  WHERE active = ? AND next_run_at IS NULL
			  ORDER BY created_at`, true)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *SQLStore) SetScheduleNextRun(ctx context.Context, id string, next time.Time, lastRun *time.Time) error {
	var last sql.NullTime
	if lastRun != nil {
		last = sql.NullTime{Time: lastRun.UTC(), Valid: true}
	}
	_, err := s.exec(ctx, `UPDATE sync_schedules SET next_run_at = ?, last_run_at = COALESCE(?, last_run_at) WHERE id = ?`,
		next.UTC(), last, id)
	return err
}

func (s *SQLStore) DeactivateSchedule(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, `UPDATE sync_schedules SET active = ?, last_run_at = ? WHERE id = ?`,
		false, at.UTC(), id)
	return err
}

func scanSchedules(rows *sql.Rows) ([]*SyncSchedule, error) {
	defer rows.Close()

	var list []*SyncSchedule
	for rows.Next() {
		var (
			sc           SyncSchedule
			scheduleType string
			dayOfWeek    int
		)
		err := rows.Scan(
			&sc.ID,
			&sc.ConfigID,
			&scheduleType,
			&dayOfWeek,
			&sc.TimeOfDay,
			&sc.NextRunAt,
			&sc.LastRunAt,
			&sc.Active,
			&sc.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		sc.ScheduleType = ScheduleType(scheduleType)
		sc.DayOfWeek = time.Weekday(dayOfWeek)
		list = append(list, &sc)
	}
	return list, rows.Err()
}

// --- queue ---

const jobColumns = `id, connection_id, config_id, group_id, start_date, end_date, sync_type, total_days, processed_days,
	total_records, skipped_records, status, last_error, created_at, started_at, updated_at, completed_at`

func (s *SQLStore) CreateJob(ctx context.Context, job *QueueItem) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := s.exec(ctx, `INSERT INTO sync_queue (`+jobColumns+`)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.ConnectionID,
		job.ConfigID,
		job.GroupID,
		formatDate(job.StartDate),
		formatDate(job.EndDate),
		string(job.SyncType),
		job.TotalDays,
		job.ProcessedDays,
		job.TotalRecords,
		job.SkippedRecords,
		string(job.Status),
		job.LastError,
		job.CreatedAt.UTC(),
		utcNullTime(job.StartedAt),
		job.UpdatedAt.UTC(),
		utcNullTime(job.CompletedAt),
	)
	return err
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*QueueItem, error) {
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (s *SQLStore) ListJobs(ctx context.Context, statuses []JobStatus, limit int) ([]*QueueItem, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_queue`
	args := make([]any, 0, len(statuses)+1)
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanJobs(rows)
}

func (s *SQLStore) FindActiveJob(ctx context.Context, configID string) (*QueueItem, error) {
	rows, err := s.query(ctx, `SELECT `+jobColumns+` FROM sync_queue
			  WHERE config_id = ? AND status IN (?, ?)
			  ORDER BY created_at, id LIMIT 1`,
		configID, string(JobPending), string(JobProcessing))
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (s *SQLStore) TransitionJob(ctx context.Context, id string, from []JobStatus, to JobStatus, lastError string, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, fmt.Errorf("transition of job %s needs at least one expected status", id)
	}
	at = at.UTC()

	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), at}
	if lastError != "" {
		sets = append(sets, "last_error = ?")
		args = append(args, lastError)
	}
	if to == JobProcessing {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, at)
	}
	if to.Terminal() {
		sets = append(sets, "completed_at = ?")
		args = append(args, at)
	}

	query := `UPDATE sync_queue SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args = append(args, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return matched(res)
}

func (s *SQLStore) AdvanceJob(ctx context.Context, cp JobCheckpoint) (bool, error) {
	at := cp.At.UTC()
	var completedAt sql.NullTime
	if cp.Status.Terminal() {
		completedAt = sql.NullTime{Time: at, Valid: true}
	}

	res, err := s.exec(ctx, `UPDATE sync_queue SET
			  processed_days = ?,
			  status = ?,
			  total_records = total_records + ?,
			  skipped_records = skipped_records + ?,
			  updated_at = ?,
			  completed_at = COALESCE(?, completed_at)
			  WHERE id = ? AND status = ? AND processed_days = ? AND total_days >= ?`,
		cp.ProcessedDays,
		string(cp.Status),
		cp.AddRecords,
		cp.AddSkippedRecords,
		at,
		completedAt,
		cp.JobID,
		string(cp.ExpectedStatus),
		cp.ExpectedProcessed,
		cp.ProcessedDays,
	)
	if err != nil {
		return false, err
	}
	return matched(res)
}

func scanJobs(rows *sql.Rows) ([]*QueueItem, error) {
	defer rows.Close()

	var jobs []*QueueItem
	for rows.Next() {
		var (
			j                  QueueItem
			startDate, endDate string
			syncType, status   string
		)
		err := rows.Scan(
			&j.ID,
			&j.ConnectionID,
			&j.ConfigID,
			&j.GroupID,
			&startDate,
			&endDate,
			&syncType,
			&j.TotalDays,
			&j.ProcessedDays,
			&j.TotalRecords,
			&j.SkippedRecords,
			&status,
			&j.LastError,
			&j.CreatedAt,
			&j.StartedAt,
			&j.UpdatedAt,
			&j.CompletedAt,
		)
		if err != nil {
			return nil, err
		}
		if j.StartDate, err = parseDate(startDate); err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		if j.EndDate, err = parseDate(endDate); err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		j.SyncType = SyncType(syncType)
		j.Status = JobStatus(status)
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// --- records ---

var (
	recordColumns  = []string{"group_id", "business_key", "record_date", "company_code", "config_id", "payload", "synced_at"}
	recordConflict = []string{"group_id", "business_key", "record_date"}
	recordUpdate   = []string{"company_code", "config_id", "payload", "synced_at"}
)

func (s *SQLStore) EnsureRecordTable(ctx context.Context, entityType string) error {
	table, err := RecordTable(entityType)
	if err != nil {
		return err
	}
	if _, ok := s.ensured.Load(table); ok {
		return nil
	}
	for _, stmt := range recordSchema(s.d, table) {
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating %s: %w", table, err)
		}
	}
	s.ensured.Store(table, struct{}{})
	logger.Log.Debug("Record table ready", zap.String("table", table))
	return nil
}

// UpsertRecords writes records in one transaction, updating rows that
// already exist for the same (group_id, business_key, record_date).
// Callers must not pass two records with the same key.
func (s *SQLStore) UpsertRecords(ctx context.Context, entityType string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.EnsureRecordTable(ctx, entityType); err != nil {
		return err
	}
	table, _ := RecordTable(entityType)

	query := s.d.Rebind(database.InsertValues(s.d.QuoteIdent(table), recordColumns, len(records)) +
		s.d.UpsertSuffix(recordConflict, recordUpdate))

	args := make([]any, 0, len(records)*len(recordColumns))
	for _, r := range records {
		args = append(args,
			r.GroupID,
			r.BusinessKey,
			formatDate(r.RecordDate),
			r.CompanyCode,
			r.ConfigID,
			string(r.Payload),
			r.SyncedAt.UTC(),
		)
	}

	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *SQLStore) CountRecords(ctx context.Context, entityType, groupID string) (int64, error) {
	if err := s.EnsureRecordTable(ctx, entityType); err != nil {
		return 0, err
	}
	table, _ := RecordTable(entityType)

	var n int64
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM `+s.d.QuoteIdent(table)+` WHERE group_id = ?`, groupID).Scan(&n)
	return n, err
}

func (s *SQLStore) ScanRecords(ctx context.Context, entityType, groupID string, from, to time.Time, fn func(RecordRef) error) error {
	if err := s.EnsureRecordTable(ctx, entityType); err != nil {
		return err
	}
	table, _ := RecordTable(entityType)

	rows, err := s.query(ctx, `SELECT company_code, record_date FROM `+s.d.QuoteIdent(table)+`
			  WHERE group_id = ? AND record_date >= ? AND record_date <= ?`,
		groupID, formatDate(from), formatDate(to))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ref  RecordRef
			date string
		)
		if err := rows.Scan(&ref.CompanyCode, &date); err != nil {
			return err
		}
		if ref.RecordDate, err = parseDate(date); err != nil {
			return err
		}
		if err := fn(ref); err != nil {
			return err
		}
	}
	return rows.Err()
}

// --- helpers ---

func formatDate(t time.Time) string {
	return t.Format(DateLayout)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored date %q: %w", s, err)
	}
	return t, nil
}

func utcNullTime(t sql.NullTime) sql.NullTime {
	if t.Valid {
		t.Time = t.Time.UTC()
	}
	return t
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func matched(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

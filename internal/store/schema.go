package store

import (
	"fmt"
	"regexp"

	"analytics-sync-service/internal/database"
)

const (
	tableConnections = "sync_connections"
	tableConfigs     = "sync_configs"
	tableSchedules   = "sync_schedules"
	tableQueue       = "sync_queue"

	recordTablePrefix = "synced_"
)

var entityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// RecordTable returns the destination table for an entity type.
func RecordTable(entityType string) (string, error) {
	if !entityTypePattern.MatchString(entityType) {
		return "", fmt.Errorf("invalid entity type %q", entityType)
	}
	return recordTablePrefix + entityType, nil
}

type index struct {
	name    string
	columns string
}

func controlSchema(d database.Dialect) []string {
	ts := d.TimestampType()
	text := d.LongTextType()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	group_id VARCHAR(64) NOT NULL,
	name VARCHAR(255) NOT NULL,
	tenant_id VARCHAR(255) NOT NULL,
	client_id VARCHAR(255) NOT NULL,
	client_secret VARCHAR(1024) NOT NULL,
	created_at %s NOT NULL%s
)`, tableConnections, ts, inlineIndexes(d, tableConnections, []index{{"group", "group_id"}})),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	connection_id VARCHAR(64) NOT NULL,
	entity_type VARCHAR(48) NOT NULL,
	dataset_id VARCHAR(255) NOT NULL,
	query_template %s NOT NULL,
	field_mapping %s NOT NULL,
	key_fields %s NOT NULL,
	company_field VARCHAR(255) NOT NULL,
	date_field VARCHAR(255) NOT NULL,
	is_incremental BOOLEAN NOT NULL,
	incremental_days INTEGER NOT NULL,
	initial_date VARCHAR(10) NOT NULL,
	days_per_batch INTEGER NOT NULL,
	active BOOLEAN NOT NULL,
	created_at %s NOT NULL,
	updated_at %s NOT NULL%s
)`, tableConfigs, text, text, text, ts, ts, inlineIndexes(d, tableConfigs, []index{{"connection", "connection_id"}})),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	config_id VARCHAR(64) NOT NULL,
	schedule_type VARCHAR(16) NOT NULL,
	day_of_week INTEGER NOT NULL,
	time_of_day VARCHAR(5) NOT NULL,
	next_run_at %s NULL,
	last_run_at %s NULL,
	active BOOLEAN NOT NULL,
	created_at %s NOT NULL%s
)`, tableSchedules, ts, ts, ts, inlineIndexes(d, tableSchedules, []index{{"due", "active, next_run_at"}})),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id VARCHAR(64) PRIMARY KEY,
	connection_id VARCHAR(64) NOT NULL,
	config_id VARCHAR(64) NOT NULL,
	group_id VARCHAR(64) NOT NULL,
	start_date VARCHAR(10) NOT NULL,
	end_date VARCHAR(10) NOT NULL,
	sync_type VARCHAR(16) NOT NULL,
	total_days INTEGER NOT NULL,
	processed_days INTEGER NOT NULL,
	total_records BIGINT NOT NULL,
	skipped_records BIGINT NOT NULL,
	status VARCHAR(16) NOT NULL,
	last_error %s NULL,
	created_at %s NOT NULL,
	started_at %s NULL,
	updated_at %s NOT NULL,
	completed_at %s NULL%s
)`, tableQueue, text, ts, ts, ts, ts, inlineIndexes(d, tableQueue, []index{
			{"status_created", "status, created_at"},
			{"config_status", "config_id, status"},
		})),
	}

	stmts = append(stmts, separateIndexes(d, tableConnections, []index{{"group", "group_id"}})...)
	stmts = append(stmts, separateIndexes(d, tableConfigs, []index{{"connection", "connection_id"}})...)
	stmts = append(stmts, separateIndexes(d, tableSchedules, []index{{"due", "active, next_run_at"}})...)
	stmts = append(stmts, separateIndexes(d, tableQueue, []index{
		{"status_created", "status, created_at"},
		{"config_status", "config_id, status"},
	})...)
	return stmts
}

func recordSchema(d database.Dialect, table string) []string {
	idx := []index{{"date", "group_id, record_date"}}
	stmts := []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	group_id VARCHAR(64) NOT NULL,
	business_key VARCHAR(255) NOT NULL,
	record_date VARCHAR(10) NOT NULL,
	company_code VARCHAR(255) NOT NULL,
	config_id VARCHAR(64) NOT NULL,
	payload %s NOT NULL,
	synced_at %s NOT NULL,
	UNIQUE (group_id, business_key, record_date)%s
)`, d.QuoteIdent(table), d.LongTextType(), d.TimestampType(), inlineIndexes(d, table, idx))}
	return append(stmts, separateIndexes(d, table, idx)...)
}

// MySQL has no CREATE INDEX IF NOT EXISTS, so its indexes live in the table DDL.
func inlineIndexes(d database.Dialect, table string, idx []index) string {
	if d.Name() != "mysql" {
		return ""
	}
	var out string
	for _, i := range idx {
		out += fmt.Sprintf(",\n\tINDEX idx_%s_%s (%s)", table, i.name, i.columns)
	}
	return out
}

func separateIndexes(d database.Dialect, table string, idx []index) []string {
	if d.Name() == "mysql" {
		return nil
	}
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s (%s)",
			table, i.name, d.QuoteIdent(table), i.columns))
	}
	return out
}

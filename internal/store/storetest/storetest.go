// Package storetest provides a SQLite-backed store and fixtures for tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"analytics-sync-service/internal/config"
	"analytics-sync-service/internal/store"
)

// New returns a migrated store on a fresh SQLite file, closed with the test.
func New(t *testing.T) *store.SQLStore {
	t.Helper()

	s, err := store.NewSQLStore(context.Background(), config.StateStorage{
		Type:     "sqlite",
		FilePath: filepath.Join(t.TempDir(), "state.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Date builds a UTC calendar date.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Fixture is a connection plus one config for it.
type Fixture struct {
	Connection *store.Connection
	Config     *store.SyncConfig
}

// SeedConfig stores a connection and a sales config. mutate may adjust the
// config before it is written.
func SeedConfig(t *testing.T, s store.Store, mutate func(*store.SyncConfig)) Fixture {
	t.Helper()
	ctx := context.Background()

	conn := &store.Connection{
		ID:           uuid.NewString(),
		GroupID:      "group-1",
		Name:         "Main tenant",
		TenantID:     "tenant-1",
		ClientID:     "client-" + uuid.NewString()[:8],
		ClientSecret: "secret",
	}
	require.NoError(t, s.CreateConnection(ctx, conn))

	cfg := &store.SyncConfig{
		ID:            uuid.NewString(),
		ConnectionID:  conn.ID,
		EntityType:    "sales",
		DatasetID:     "dataset-1",
		QueryTemplate: `EVALUATE FILTER(Sales, Sales[Date] >= {{start_dax}} && Sales[Date] <= {{end_dax}})`,
		FieldMapping: map[string]string{
			"date":         "Sales[Date]",
			"company_code": "Sales[Company]",
			"product_code": "Sales[Product]",
			"amount":       "Sales[Amount]",
		},
		KeyFields:       []string{"company_code", "product_code"},
		CompanyField:    "company_code",
		DateField:       "Sales[Date]",
		IsIncremental:   false,
		IncrementalDays: 3,
		InitialDate:     Date(2024, time.January, 1),
		DaysPerBatch:    1,
		Active:          true,
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, s.CreateSyncConfig(ctx, cfg))

	return Fixture{Connection: conn, Config: cfg}
}

// SeedJob stores a job for the fixture's config covering [start, end].
func SeedJob(t *testing.T, s store.Store, f Fixture, start, end time.Time, status store.JobStatus, createdAt time.Time) *store.QueueItem {
	t.Helper()

	job := &store.QueueItem{
		ID:           uuid.NewString(),
		ConnectionID: f.Connection.ID,
		ConfigID:     f.Config.ID,
		GroupID:      f.Connection.GroupID,
		StartDate:    start,
		EndDate:      end,
		SyncType:     store.SyncFull,
		TotalDays:    int(end.Sub(start).Hours()/24) + 1,
		Status:       status,
		CreatedAt:    createdAt,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

// ForceSchedule overwrites a stored schedule's recurrence columns without
// validation, producing rows CreateSchedule would refuse.
func ForceSchedule(t *testing.T, s *store.SQLStore, id string, typ store.ScheduleType, dayOfWeek int) {
	t.Helper()
	db := s.Database()
	_, err := db.DB.ExecContext(context.Background(),
		db.Dialect.Rebind(`UPDATE sync_schedules SET schedule_type = ?, day_of_week = ? WHERE id = ?`),
		string(typ), dayOfWeek, id)
	require.NoError(t, err)
}

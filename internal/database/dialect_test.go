package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analytics-sync-service/internal/config"
)

func TestDialectFor(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "mysql", want: "mysql"},
		{in: "postgres", want: "postgres"},
		{in: "PG", want: "postgres"},
		{in: "sqlite", want: "sqlite"},
		{in: "oracle", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			d, err := DialectFor(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Name())
		})
	}
}

func TestPostgresRebind(t *testing.T) {
	got := Postgres{}.Rebind("UPDATE t SET a = ? WHERE id = ? AND b IN (?, ?)")
	assert.Equal(t, "UPDATE t SET a = $1 WHERE id = $2 AND b IN ($3, $4)", got)
}

func TestUpsertSuffix(t *testing.T) {
	conflict := []string{"group_id", "business_key", "record_date"}
	update := []string{"payload", "synced_at"}

	assert.Equal(t,
		" ON DUPLICATE KEY UPDATE payload = VALUES(payload), synced_at = VALUES(synced_at)",
		MySQL{}.UpsertSuffix(conflict, update))
	assert.Equal(t,
		" ON CONFLICT (group_id, business_key, record_date) DO UPDATE SET payload = excluded.payload, synced_at = excluded.synced_at",
		SQLite{}.UpsertSuffix(conflict, update))
	assert.Equal(t, SQLite{}.UpsertSuffix(conflict, update), Postgres{}.UpsertSuffix(conflict, update))
}

func TestInsertValues(t *testing.T) {
	got := InsertValues(`"sync_sales"`, []string{"a", "b"}, 2)
	assert.Equal(t, `INSERT INTO "sync_sales" (a, b) VALUES (?, ?), (?, ?)`, got)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, "`sync_sales`", MySQL{}.QuoteIdent("sync_sales"))
	assert.Equal(t, `"we""ird"`, Postgres{}.QuoteIdent(`we"ird`))
}

func TestBuildDSN(t *testing.T) {
	dsn, err := buildDSN(config.StateStorage{
		Type: "postgres", Host: "db", Port: 5432, User: "sync", Password: "p@ss", Database: "dash",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://sync:p%40ss@db:5432/dash?sslmode=require", dsn)

	dsn, err = buildDSN(config.StateStorage{
		Type: "mysql", Host: "db", Port: 3306, User: "sync", Password: "secret", Database: "dash",
	})
	require.NoError(t, err)
	assert.Contains(t, dsn, "clientFoundRows=true")

	_, err = buildDSN(config.StateStorage{Type: "oracle"})
	assert.Error(t, err)
}

func TestNewDatabase_SQLite(t *testing.T) {
	db, err := NewDatabase(config.StateStorage{Type: "sqlite", FilePath: t.TempDir() + "/sync.db"})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, "sqlite", db.Dialect.Name())
	require.NoError(t, db.DB.Ping())
}

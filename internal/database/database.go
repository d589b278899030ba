package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	"github.com/cenkalti/backoff"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"analytics-sync-service/internal/config"
	"analytics-sync-service/internal/logger"
)

type Database struct {
	DB      *sql.DB
	Config  config.StateStorage
	Dialect Dialect
}

// NewDatabase opens the configured database and waits for it to answer a ping.
func NewDatabase(cfg config.StateStorage) (*Database, error) {
	dialect, err := DialectFor(cfg.Type)
	if err != nil {
		return nil, err
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = time.Second
	expBackoff.MaxElapsedTime = 30 * time.Second

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		pingErr := db.Ping()
		if pingErr != nil {
			logger.Log.Info("Waiting for database...", zap.Error(pingErr), zap.Int("attempt", attempt))
		}
		return pingErr
	}, expBackoff)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after retries: %w", err)
	}

	configurePool(db, cfg)

	logger.Log.Info("Connected to database",
		zap.String("type", dialect.Name()),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Database{
		DB:      db,
		Config:  cfg,
		Dialect: dialect,
	}, nil
}

// Open wraps an already opened handle. Used by tests and tools that manage
// their own connection.
func Open(db *sql.DB, dialect Dialect) *Database {
	return &Database{DB: db, Dialect: dialect}
}

func configurePool(db *sql.DB, cfg config.StateStorage) {
	if cfg.Type == "sqlite" {
		// One writer at a time; avoids SQLITE_BUSY under WAL.
		db.SetMaxOpenConns(1)
		return
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 20
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxLifetime(time.Hour)
}

func buildDSN(cfg config.StateStorage) (string, error) {
	switch cfg.Type {
	case "mysql":
		// clientFoundRows makes RowsAffected report matched rows, which the
		// conditional job updates rely on.
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC&clientFoundRows=true",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database), nil
	case "postgres":
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "require"
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:     cfg.Database,
			RawQuery: "sslmode=" + url.QueryEscape(sslMode),
		}
		return u.String(), nil
	case "sqlite":
		return cfg.FilePath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_time_format=sqlite", nil
	default:
		return "", fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

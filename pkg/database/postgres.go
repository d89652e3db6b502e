package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/pulsetrade/pulse-backend/internal/config"
	_ "github.com/lib/pq"
)

// DB wraps sql.DB with query metrics and a transaction helper
type DB struct {
	*sql.DB
	queryTimeout time.Duration
	metrics      *DatabaseMetrics
}

// DatabaseMetrics tracks database performance metrics
type DatabaseMetrics struct {
	QueryCount     int64
	SlowQueryCount int64
	AvgQueryTime   time.Duration
	mu             sync.RWMutex
}

// NewPostgresDB creates a new PostgreSQL database connection
func NewPostgresDB(cfg config.StoreConfig) (*DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{
		DB:           db,
		queryTimeout: cfg.QueryTimeout,
		metrics:      &DatabaseMetrics{},
	}, nil
}

// QueryTimeout returns the configured per-query timeout
func (db *DB) QueryTimeout() time.Duration {
	return db.queryTimeout
}

// ExecWithMetrics executes a statement and records query metrics
func (db *DB) ExecWithMetrics(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := db.ExecContext(ctx, query, args...)
	db.recordQuery(time.Since(start))
	return result, err
}

// QueryWithMetrics executes a query and records query metrics
func (db *DB) QueryWithMetrics(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	start := time.Now()
	rows, err := db.QueryContext(ctx, query, args...)
	db.recordQuery(time.Since(start))
	return rows, err
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. A rollback failure never masks fn's error.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// recordQuery updates rolling query metrics
func (db *DB) recordQuery(duration time.Duration) {
	m := db.metrics
	m.mu.Lock()
	defer m.mu.Unlock()

	m.QueryCount++
	if duration > time.Second {
		m.SlowQueryCount++
	}
	if m.QueryCount == 1 {
		m.AvgQueryTime = duration
	} else {
		m.AvgQueryTime = (m.AvgQueryTime*time.Duration(m.QueryCount-1) + duration) / time.Duration(m.QueryCount)
	}
}

// Metrics returns a snapshot of the database metrics
func (db *DB) Metrics() DatabaseMetrics {
	db.metrics.mu.RLock()
	defer db.metrics.mu.RUnlock()
	return DatabaseMetrics{
		QueryCount:     db.metrics.QueryCount,
		SlowQueryCount: db.metrics.SlowQueryCount,
		AvgQueryTime:   db.metrics.AvgQueryTime,
	}
}

// HealthCheck verifies database connectivity
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx as database/sql driver
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("not found")

// Store provides access to the PostgreSQL database for projects and
// governance limits.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to Postgres through pgx and pings with exponential
// backoff until maxWait elapses.
func Open(ctx context.Context, dsn string, maxWait time.Duration, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxWait
	err = backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.Warn("postgres ping failed, retrying", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: ping: %w", err)
	}
	return db, nil
}

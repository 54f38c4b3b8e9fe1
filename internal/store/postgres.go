// This file implements a PostgreSQL-backed experiment store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/GiftExplain/internal/models"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

//go:embed migrations_postgres.sql
var postgresMigrations string

var postgresQueries = sqlQueries{
	insert: `INSERT INTO experiments (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
	selectByID:   `SELECT ` + recordColumns + ` FROM experiments WHERE id = $1`,
	selectLocked: `SELECT ` + recordColumns + ` FROM experiments WHERE id = $1 FOR UPDATE`,
	update: `UPDATE experiments SET order_type = $1, current_step = $2, persona = $3, product = $4,
		explanations = $5, order_assignment = $6, responses = $7, final_comparison = $8, demographics = $9,
		tracking_data = $10, step_history = $11, started_at = $12, completed_at = $13, created_at = $14,
		updated_at = $15 WHERE id = $16`,
	list: `SELECT ` + recordColumns + ` FROM experiments ORDER BY created_at ASC, id ASC`,
}

// PostgresStore persists experiment records in PostgreSQL, one row per experiment.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func isPostgresDuplicate(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

func (s *PostgresStore) CreateExperiment(ctx context.Context, rec *models.ExperimentRecord) error {
	if err := createRecord(ctx, s.db, postgresQueries, rec, isPostgresDuplicate); err != nil {
		slog.Error("PostgresStore.CreateExperiment failed", "id", rec.ID, "error", err)
		return err
	}
	slog.Debug("PostgresStore.CreateExperiment succeeded", "id", rec.ID, "orderType", rec.OrderAssignment.OrderType)
	return nil
}

func (s *PostgresStore) GetExperiment(ctx context.Context, id string) (*models.ExperimentRecord, error) {
	return getRecord(ctx, s.db, postgresQueries, id)
}

func (s *PostgresStore) UpdateExperiment(ctx context.Context, id string, fn UpdateFunc) (*models.ExperimentRecord, error) {
	return updateRecord(ctx, s.db, postgresQueries, id, fn)
}

func (s *PostgresStore) ListExperiments(ctx context.Context) ([]*models.ExperimentRecord, error) {
	recs, err := listRecords(ctx, s.db, postgresQueries)
	if err != nil {
		slog.Error("PostgresStore.ListExperiments failed", "error", err)
		return nil, err
	}
	slog.Debug("PostgresStore.ListExperiments succeeded", "count", len(recs))
	return recs, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	return s.db.Close()
}

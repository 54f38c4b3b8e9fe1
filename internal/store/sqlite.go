// This file implements an SQLite-backed experiment store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/BTreeMap/GiftExplain/internal/models"
	"github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteBusyTimeoutMs is how long a writer waits for the database lock
	sqliteBusyTimeoutMs = 5000
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var sqliteQueries = sqlQueries{
	insert: `INSERT INTO experiments (` + recordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	selectByID: `SELECT ` + recordColumns + ` FROM experiments WHERE id = ?`,
	// BEGIN IMMEDIATE (via _txlock) already holds the write lock
	selectLocked: `SELECT ` + recordColumns + ` FROM experiments WHERE id = ?`,
	update: `UPDATE experiments SET order_type = ?, current_step = ?, persona = ?, product = ?,
		explanations = ?, order_assignment = ?, responses = ?, final_comparison = ?, demographics = ?,
		tracking_data = ?, step_history = ?, started_at = ?, completed_at = ?, created_at = ?, updated_at = ?
		WHERE id = ?`,
	list: `SELECT ` + recordColumns + ` FROM experiments ORDER BY created_at ASC, id ASC`,
}

// SQLiteStore persists experiment records in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file, optionally with
// query parameters. If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", withSQLiteDefaults(dsn))
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// withSQLiteDefaults makes every transaction take the write lock up front, so
// concurrent read-modify-write cycles on one record serialize instead of
// failing on lock upgrade.
func withSQLiteDefaults(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	if !strings.Contains(dsn, "_busy_timeout=") && !strings.Contains(dsn, "_timeout=") {
		params = append(params, fmt.Sprintf("_busy_timeout=%d", sqliteBusyTimeoutMs))
	}
	if !strings.Contains(dsn, "_journal_mode=") && !strings.Contains(dsn, "_journal=") {
		params = append(params, "_journal_mode=WAL")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func isSQLiteDuplicate(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *SQLiteStore) CreateExperiment(ctx context.Context, rec *models.ExperimentRecord) error {
	if err := createRecord(ctx, s.db, sqliteQueries, rec, isSQLiteDuplicate); err != nil {
		slog.Error("SQLiteStore.CreateExperiment failed", "id", rec.ID, "error", err)
		return err
	}
	slog.Debug("SQLiteStore.CreateExperiment succeeded", "id", rec.ID, "orderType", rec.OrderAssignment.OrderType)
	return nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*models.ExperimentRecord, error) {
	return getRecord(ctx, s.db, sqliteQueries, id)
}

func (s *SQLiteStore) UpdateExperiment(ctx context.Context, id string, fn UpdateFunc) (*models.ExperimentRecord, error) {
	return updateRecord(ctx, s.db, sqliteQueries, id, fn)
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*models.ExperimentRecord, error) {
	recs, err := listRecords(ctx, s.db, sqliteQueries)
	if err != nil {
		slog.Error("SQLiteStore.ListExperiments failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore.ListExperiments succeeded", "count", len(recs))
	return recs, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

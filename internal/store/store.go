// Package store provides storage backends for experiment records.
//
// It includes an in-memory store used in tests and the --memory mode, and
// SQLite and PostgreSQL stores for persistent deployments.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/BTreeMap/GiftExplain/internal/models"
)

var (
	// ErrNotFound is returned when no experiment has the requested ID.
	ErrNotFound = errors.New("experiment not found")
	// ErrAlreadyExists is returned when creating a record whose ID is taken.
	ErrAlreadyExists = errors.New("experiment already exists")
	// ErrSkipUpdate may be returned by an UpdateFunc to leave the record untouched.
	// UpdateExperiment then returns the current record and a nil error.
	ErrSkipUpdate = errors.New("skip update")
)

// UpdateFunc mutates a record inside the store's read-modify-write section.
// Returning an error aborts the update and nothing is persisted.
type UpdateFunc func(rec *models.ExperimentRecord) error

// Store is the persistence contract for experiment records. UpdateExperiment must
// run fn atomically with respect to other updates of the same ID.
type Store interface {
	CreateExperiment(ctx context.Context, rec *models.ExperimentRecord) error
	GetExperiment(ctx context.Context, id string) (*models.ExperimentRecord, error)
	UpdateExperiment(ctx context.Context, id string, fn UpdateFunc) (*models.ExperimentRecord, error)
	ListExperiments(ctx context.Context) ([]*models.ExperimentRecord, error)
	Close() error
}

// Opts holds configuration for persistent stores.
type Opts struct {
	DSN string
}

// Option configures a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database path or DSN.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and
// "sqlite3" for everything else, which is treated as a file path.
func DetectDSNType(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return "postgres"
	}
	for _, kw := range []string{"host=", "dbname=", "user="} {
		if strings.Contains(lower, kw) {
			return "postgres"
		}
	}
	return "sqlite3"
}

// Open returns the persistent store matching the DSN type.
func Open(dsn string) (Store, error) {
	switch DetectDSNType(dsn) {
	case "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}

// InMemoryStore keeps records in a map guarded by a mutex. Records are cloned on
// the way in and out so callers never alias stored state.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.ExperimentRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]*models.ExperimentRecord)}
}

func (s *InMemoryStore) CreateExperiment(_ context.Context, rec *models.ExperimentRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("experiment record requires an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.ID)
	}
	s.records[rec.ID] = rec.Clone()
	slog.Debug("InMemoryStore.CreateExperiment: stored", "id", rec.ID, "total", len(s.records))
	return nil
}

func (s *InMemoryStore) GetExperiment(_ context.Context, id string) (*models.ExperimentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *InMemoryStore) UpdateExperiment(_ context.Context, id string, fn UpdateFunc) (*models.ExperimentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	working := current.Clone()
	if err := fn(working); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return current.Clone(), nil
		}
		return nil, err
	}
	working.ID = id
	s.records[id] = working
	return working.Clone(), nil
}

func (s *InMemoryStore) ListExperiments(_ context.Context) ([]*models.ExperimentRecord, error) {
	s.mu.Lock()
	out := make([]*models.ExperimentRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.Unlock()
	sortRecords(out)
	return out, nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

func sortRecords(recs []*models.ExperimentRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}

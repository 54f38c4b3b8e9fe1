package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/GiftExplain/internal/models"
)

// recordColumns is the column order shared by every SELECT and INSERT.
const recordColumns = `id, order_type, current_step, persona, product, explanations, order_assignment,
	responses, final_comparison, demographics, tracking_data, step_history,
	started_at, completed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// recordRow is the column-level encoding of an ExperimentRecord.
type recordRow struct {
	id              string
	orderType       string
	currentStep     int
	persona         string
	product         string
	explanations    string
	orderAssignment string
	responses       string
	finalComparison sql.NullString
	demographics    sql.NullString
	trackingData    string
	stepHistory     string
	startedAt       time.Time
	completedAt     sql.NullTime
	createdAt       time.Time
	updatedAt       time.Time
}

func encodeRecord(rec *models.ExperimentRecord) (recordRow, error) {
	row := recordRow{
		id:          rec.ID,
		orderType:   string(rec.OrderAssignment.OrderType),
		currentStep: rec.CurrentStep,
		startedAt:   rec.StartedAt.UTC(),
		createdAt:   rec.CreatedAt.UTC(),
		updatedAt:   rec.UpdatedAt.UTC(),
	}
	if rec.CompletedAt != nil {
		row.completedAt = sql.NullTime{Time: rec.CompletedAt.UTC(), Valid: true}
	}
	responses := rec.Responses
	if responses == nil {
		responses = []models.SurveyResponse{}
	}
	history := rec.StepHistory
	if history == nil {
		history = []models.StepTransition{}
	}
	fields := []struct {
		name string
		v    interface{}
		dst  *string
	}{
		{"persona", rec.Persona, &row.persona},
		{"product", rec.Product, &row.product},
		{"explanations", rec.Explanations, &row.explanations},
		{"order_assignment", rec.OrderAssignment, &row.orderAssignment},
		{"responses", responses, &row.responses},
		{"tracking_data", rec.TrackingData, &row.trackingData},
		{"step_history", history, &row.stepHistory},
	}
	for _, f := range fields {
		b, err := json.Marshal(f.v)
		if err != nil {
			return row, fmt.Errorf("failed to marshal %s: %w", f.name, err)
		}
		*f.dst = string(b)
	}
	if rec.FinalComparison != nil {
		b, err := json.Marshal(rec.FinalComparison)
		if err != nil {
			return row, fmt.Errorf("failed to marshal final_comparison: %w", err)
		}
		row.finalComparison = sql.NullString{String: string(b), Valid: true}
	}
	if rec.Demographics != nil {
		b, err := json.Marshal(rec.Demographics)
		if err != nil {
			return row, fmt.Errorf("failed to marshal demographics: %w", err)
		}
		row.demographics = sql.NullString{String: string(b), Valid: true}
	}
	return row, nil
}

// args returns the row values in recordColumns order.
func (r recordRow) args() []interface{} {
	return []interface{}{
		r.id, r.orderType, r.currentStep, r.persona, r.product, r.explanations, r.orderAssignment,
		r.responses, r.finalComparison, r.demographics, r.trackingData, r.stepHistory,
		r.startedAt, r.completedAt, r.createdAt, r.updatedAt,
	}
}

func scanRecord(s rowScanner) (*models.ExperimentRecord, error) {
	var row recordRow
	// JSON columns may come back as []byte (postgres jsonb) or string (sqlite TEXT).
	var persona, product, explanations, orderAssignment, responses, trackingData, stepHistory []byte
	var finalComparison, demographics []byte
	err := s.Scan(
		&row.id, &row.orderType, &row.currentStep, &persona, &product, &explanations, &orderAssignment,
		&responses, &finalComparison, &demographics, &trackingData, &stepHistory,
		&row.startedAt, &row.completedAt, &row.createdAt, &row.updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec := &models.ExperimentRecord{
		ID:          row.id,
		CurrentStep: row.currentStep,
		StartedAt:   row.startedAt.UTC(),
		CreatedAt:   row.createdAt.UTC(),
		UpdatedAt:   row.updatedAt.UTC(),
	}
	if row.completedAt.Valid {
		t := row.completedAt.Time.UTC()
		rec.CompletedAt = &t
	}
	fields := []struct {
		name string
		raw  []byte
		dst  interface{}
	}{
		{"persona", persona, &rec.Persona},
		{"product", product, &rec.Product},
		{"explanations", explanations, &rec.Explanations},
		{"order_assignment", orderAssignment, &rec.OrderAssignment},
		{"responses", responses, &rec.Responses},
		{"tracking_data", trackingData, &rec.TrackingData},
		{"step_history", stepHistory, &rec.StepHistory},
	}
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s for %s: %w", f.name, row.id, err)
		}
	}
	if len(finalComparison) > 0 {
		rec.FinalComparison = &models.FinalComparison{}
		if err := json.Unmarshal(finalComparison, rec.FinalComparison); err != nil {
			return nil, fmt.Errorf("failed to unmarshal final_comparison for %s: %w", row.id, err)
		}
	}
	if len(demographics) > 0 {
		rec.Demographics = &models.Demographics{}
		if err := json.Unmarshal(demographics, rec.Demographics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal demographics for %s: %w", row.id, err)
		}
	}
	return rec, nil
}

// sqlQueries holds the dialect-specific statements used by the shared helpers.
type sqlQueries struct {
	insert       string
	selectByID   string
	selectLocked string
	update       string
	list         string
}

func createRecord(ctx context.Context, db *sql.DB, q sqlQueries, rec *models.ExperimentRecord, isDuplicate func(error) bool) error {
	row, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, q.insert, row.args()...); err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.ID)
		}
		return fmt.Errorf("failed to insert experiment %s: %w", rec.ID, err)
	}
	return nil
}

func getRecord(ctx context.Context, db *sql.DB, q sqlQueries, id string) (*models.ExperimentRecord, error) {
	rec, err := scanRecord(db.QueryRowContext(ctx, q.selectByID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment %s: %w", id, err)
	}
	return rec, nil
}

// updateRecord runs fn inside a transaction that holds the row for writing.
func updateRecord(ctx context.Context, db *sql.DB, q sqlQueries, id string, fn UpdateFunc) (*models.ExperimentRecord, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("store.updateRecord: rollback failed", "id", id, "error", rbErr)
		}
	}()

	current, err := scanRecord(tx.QueryRowContext(ctx, q.selectLocked, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment %s: %w", id, err)
	}

	working := current.Clone()
	if err := fn(working); err != nil {
		if errors.Is(err, ErrSkipUpdate) {
			return current, nil
		}
		return nil, err
	}
	working.ID = id

	row, err := encodeRecord(working)
	if err != nil {
		return nil, err
	}
	// update binds every column after id, then id last
	args := append(row.args()[1:], id)
	if _, err := tx.ExecContext(ctx, q.update, args...); err != nil {
		return nil, fmt.Errorf("failed to update experiment %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit experiment %s: %w", id, err)
	}
	return working, nil
}

func listRecords(ctx context.Context, db *sql.DB, q sqlQueries) ([]*models.ExperimentRecord, error) {
	rows, err := db.QueryContext(ctx, q.list)
	if err != nil {
		return nil, fmt.Errorf("failed to query experiments: %w", err)
	}
	defer rows.Close()

	out := []*models.ExperimentRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate experiment rows: %w", err)
	}
	return out, nil
}

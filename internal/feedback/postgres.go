package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is the feedback backend for the full server. The table is
// created by migrations/000003_feedback.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection and pings it.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a lib/pq connection pool.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Save upserts on run_id.
func (s *PostgresStore) Save(ctx context.Context, fb *Feedback) error {
	if err := fb.Prepare(); err != nil {
		return err
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO clinician_feedback (
			run_id, query, recommended, suggested_procedure, chosen_procedure,
			agreed, chosen_rank, notes, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
			query = EXCLUDED.query,
			recommended = EXCLUDED.recommended,
			suggested_procedure = EXCLUDED.suggested_procedure,
			chosen_procedure = EXCLUDED.chosen_procedure,
			agreed = EXCLUDED.agreed,
			chosen_rank = EXCLUDED.chosen_rank,
			notes = EXCLUDED.notes,
			updated_at = EXCLUDED.updated_at
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, query,
		fb.RunID, fb.Query, encodeRecommended(fb.Recommended), fb.SuggestedProcedure, fb.ChosenProcedure,
		fb.Agreed, fb.ChosenRank, fb.Notes, now, now,
	).Scan(&fb.ID, &fb.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	fb.UpdatedAt = now
	return nil
}

// Get returns the feedback for runID, or nil.
func (s *PostgresStore) Get(ctx context.Context, runID string) (*Feedback, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM clinician_feedback WHERE run_id = $1", runID)
	fb, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feedback: %w", err)
	}
	return fb, nil
}

// List returns feedback newest first.
func (s *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM clinician_feedback ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var result []*Feedback
	for rows.Next() {
		fb, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, fb)
	}
	return result, rows.Err()
}

// Count returns the number of entries.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clinician_feedback").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count feedback: %w", err)
	}
	return count, nil
}

// Delete removes an entry by ID.
func (s *PostgresStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM clinician_feedback WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete feedback: %w", err)
	}
	return nil
}

// ExportJSON writes every entry as an Export document.
func (s *PostgresStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	if err := exportAll(ctx, s, writer); err != nil {
		return fmt.Errorf("failed to export feedback: %w", err)
	}
	return nil
}

// ImportJSON loads an Export document.
func (s *PostgresStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	imported, skipped, err := importAll(ctx, s, reader)
	if err != nil {
		return imported, skipped, fmt.Errorf("failed to import feedback: %w", err)
	}
	return imported, skipped, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

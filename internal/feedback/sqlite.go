package feedback

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the single-file backend used by the standalone MCP server and the CLI.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (creating if needed) the database file and schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS clinician_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL UNIQUE,
		query TEXT NOT NULL DEFAULT '',
		recommended TEXT NOT NULL DEFAULT '[]',
		suggested_procedure TEXT NOT NULL DEFAULT '',
		chosen_procedure TEXT NOT NULL,
		agreed INTEGER NOT NULL DEFAULT 0,
		chosen_rank INTEGER NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_created_at ON clinician_feedback(created_at);
	`)
	return err
}

// Save inserts or replaces the feedback for fb.RunID.
func (s *SQLiteStore) Save(ctx context.Context, fb *Feedback) error {
	if err := fb.Prepare(); err != nil {
		return err
	}
	now := time.Now().UTC()

	var existingID int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM clinician_feedback WHERE run_id = ?", fb.RunID).Scan(&existingID)
	switch {
	case err == nil:
		fb.ID = existingID
		fb.UpdatedAt = now
		_, err = s.db.ExecContext(ctx, `
			UPDATE clinician_feedback SET
				query = ?, recommended = ?, suggested_procedure = ?, chosen_procedure = ?,
				agreed = ?, chosen_rank = ?, notes = ?, updated_at = ?
			WHERE id = ?`,
			fb.Query, encodeRecommended(fb.Recommended), fb.SuggestedProcedure, fb.ChosenProcedure,
			fb.Agreed, fb.ChosenRank, fb.Notes, now, existingID,
		)
		if err != nil {
			return fmt.Errorf("failed to update feedback: %w", err)
		}
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("failed to check existing: %w", err)
	}

	fb.CreatedAt = now
	fb.UpdatedAt = now
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO clinician_feedback (
			run_id, query, recommended, suggested_procedure, chosen_procedure,
			agreed, chosen_rank, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.RunID, fb.Query, encodeRecommended(fb.Recommended), fb.SuggestedProcedure, fb.ChosenProcedure,
		fb.Agreed, fb.ChosenRank, fb.Notes, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	fb.ID = id
	return nil
}

// Get returns the feedback for runID, or nil.
func (s *SQLiteStore) Get(ctx context.Context, runID string) (*Feedback, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM clinician_feedback WHERE run_id = ?", runID)
	fb, err := scanFeedback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return fb, nil
}

// List returns feedback newest first.
func (s *SQLiteStore) List(ctx context.Context, limit, offset int) ([]*Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+selectColumns+" FROM clinician_feedback ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
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
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM clinician_feedback").Scan(&count)
	return count, err
}

// Delete removes an entry by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM clinician_feedback WHERE id = ?", id)
	return err
}

// ExportJSON writes every entry as an Export document.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	if err := exportAll(ctx, s, writer); err != nil {
		return fmt.Errorf("failed to export feedback: %w", err)
	}
	return nil
}

// ImportJSON loads an Export document.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	imported, skipped, err := importAll(ctx, s, reader)
	if err != nil {
		return imported, skipped, fmt.Errorf("failed to import feedback: %w", err)
	}
	return imported, skipped, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

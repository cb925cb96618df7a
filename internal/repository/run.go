package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// RunRepository persists recommendation runs and their evaluation results.
type RunRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewRunRepository creates a run repository.
func NewRunRepository(db *pgxpool.Pool, logger *logrus.Logger) *RunRepository {
	return &RunRepository{db: db, log: logger}
}

// SaveRun stores the full result as JSONB alongside a few query columns.
// Saving the same run twice keeps the first copy.
func (r *RunRepository) SaveRun(ctx context.Context, result *domain.RecommendationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding run: %w", err)
	}

	query := `
		INSERT INTO recommendation_runs (
			run_id, query_text, top_procedure, degraded, low_similarity,
			parse_status, result, processing_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO NOTHING`

	_, err = r.db.Exec(ctx, query,
		result.RunID,
		result.Query.Text,
		result.TopProcedure(),
		result.Degraded,
		result.LowSimilarity,
		string(result.ParseStatus),
		payload,
		result.ProcessingTime.Milliseconds(),
	)
	if err != nil {
		r.log.WithError(err).WithField("run_id", result.RunID).Error("Failed to save run")
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// GetRun loads a stored run. Unknown IDs yield domain.ErrNotFound.
func (r *RunRepository) GetRun(ctx context.Context, runID string) (*domain.RecommendationResult, error) {
	var payload []byte
	err := r.db.QueryRow(ctx, `SELECT result FROM recommendation_runs WHERE run_id = $1`, runID).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}

	var result domain.RecommendationResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &result, nil
}

// SaveEvaluation appends an evaluation result to a run.
func (r *RunRepository) SaveEvaluation(ctx context.Context, runID string, result domain.MetricResult) error {
	scores, err := json.Marshal(result.Scores)
	if err != nil {
		return fmt.Errorf("encoding scores: %w", err)
	}
	var errs []byte
	if len(result.Errors) > 0 {
		if errs, err = json.Marshal(result.Errors); err != nil {
			return fmt.Errorf("encoding metric errors: %w", err)
		}
	}

	query := `
		INSERT INTO evaluation_results (run_id, status, overall, scores, errors, attempts)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.Exec(ctx, query, runID, string(result.Status), result.Overall, scores, errs, result.Attempts); err != nil {
		return fmt.Errorf("saving evaluation: %w", err)
	}
	r.log.WithFields(logrus.Fields{"run_id": runID, "overall": result.Overall}).Debug("Evaluation saved")
	return nil
}

// StoredEvaluation is an evaluation row with its timestamp.
type StoredEvaluation struct {
	domain.MetricResult
	CreatedAt time.Time `json:"created_at"`
}

// ListEvaluations returns a run's evaluations, newest first.
func (r *RunRepository) ListEvaluations(ctx context.Context, runID string) ([]StoredEvaluation, error) {
	query := `
		SELECT status, overall, scores, errors, attempts, created_at
		FROM evaluation_results
		WHERE run_id = $1
		ORDER BY created_at DESC, id DESC`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("listing evaluations: %w", err)
	}
	defer rows.Close()

	var out []StoredEvaluation
	for rows.Next() {
		var (
			ev             StoredEvaluation
			status         string
			scores, errBytes []byte
		)
		if err := rows.Scan(&status, &ev.Overall, &scores, &errBytes, &ev.Attempts, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning evaluation: %w", err)
		}
		ev.SampleID = runID
		ev.Status = domain.EvalStatus(status)
		if err := json.Unmarshal(scores, &ev.Scores); err != nil {
			return nil, fmt.Errorf("decoding scores: %w", err)
		}
		if len(errBytes) > 0 {
			if err := json.Unmarshal(errBytes, &ev.Errors); err != nil {
				return nil, fmt.Errorf("decoding metric errors: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/imaging-rag-mcp-server/internal/domain"
	"github.com/imaging-rag-mcp-server/internal/retrieval"
)

// ScenarioRepository is the pgvector-backed scenario corpus. It satisfies
// domain.VectorStore.
type ScenarioRepository struct {
	db        *pgxpool.Pool
	dimension int
	log       *logrus.Logger
}

// NewScenarioRepository creates a repository for vectors of the given dimension.
func NewScenarioRepository(db *pgxpool.Pool, dimension int, logger *logrus.Logger) *ScenarioRepository {
	return &ScenarioRepository{db: db, dimension: dimension, log: logger}
}

// Dimension is the embedding width stored in clinical_scenarios.
func (r *ScenarioRepository) Dimension() int {
	return r.dimension
}

// VectorLiteral renders a vector in pgvector's text input format.
func VectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// Search returns the topK nearest scenarios by cosine distance with their procedures.
func (r *ScenarioRepository) Search(ctx context.Context, vec []float32, topK int) ([]domain.Candidate, error) {
	query := `
		SELECT id, description, panel, topic, risk_level, population,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM clinical_scenarios
		ORDER BY embedding <=> $1::vector, id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, VectorLiteral(vec), topK)
	if err != nil {
		return nil, fmt.Errorf("searching scenarios: %w", err)
	}
	defer rows.Close()

	var candidates []domain.Candidate
	var ids []string
	for rows.Next() {
		var c domain.Candidate
		if err := rows.Scan(&c.ID, &c.Description, &c.Panel, &c.Topic, &c.RiskLevel, &c.Population, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scanning scenario: %w", err)
		}
		candidates = append(candidates, c)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scenarios: %w", err)
	}

	procs, err := r.ProceduresFor(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].Procedures = procs[candidates[i].ID]
	}

	r.log.WithFields(logrus.Fields{"top_k": topK, "found": len(candidates)}).Debug("pgvector scenario search")
	return candidates, nil
}

// ProceduresFor loads the rated procedures of each scenario in stored order.
func (r *ScenarioRepository) ProceduresFor(ctx context.Context, ids []string) (map[string][]domain.ProcedureOption, error) {
	out := make(map[string][]domain.ProcedureOption, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT scenario_id, procedure_name, modality, rating, reasoning, pregnancy_safety
		FROM procedure_recommendations
		WHERE scenario_id = ANY($1)
		ORDER BY scenario_id, position, id`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("loading procedures: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.ProcedureOption
		if err := rows.Scan(&p.ScenarioID, &p.Name, &p.Modality, &p.Rating, &p.Reasoning, &p.PregnancySafety); err != nil {
			return nil, fmt.Errorf("scanning procedure: %w", err)
		}
		out[p.ScenarioID] = append(out[p.ScenarioID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating procedures: %w", err)
	}
	return out, nil
}

// Upsert writes scenarios and replaces their procedure lists in one transaction.
func (r *ScenarioRepository) Upsert(ctx context.Context, scenarios []retrieval.Scenario) error {
	for _, s := range scenarios {
		if len(s.Embedding) != r.dimension {
			return fmt.Errorf("scenario %s: %w", s.ID, &domain.DimensionMismatchError{Expected: r.dimension, Actual: len(s.Embedding)})
		}
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning scenario upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, s := range scenarios {
		batch.Queue(`
			INSERT INTO clinical_scenarios (id, description, panel, topic, risk_level, population, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
			ON CONFLICT (id) DO UPDATE SET
				description = EXCLUDED.description,
				panel = EXCLUDED.panel,
				topic = EXCLUDED.topic,
				risk_level = EXCLUDED.risk_level,
				population = EXCLUDED.population,
				embedding = EXCLUDED.embedding,
				updated_at = NOW()`,
			s.ID, s.Description, s.Panel, s.Topic, s.RiskLevel, s.Population, VectorLiteral(s.Embedding))
		batch.Queue(`DELETE FROM procedure_recommendations WHERE scenario_id = $1`, s.ID)
		for i, p := range s.Procedures {
			batch.Queue(`
				INSERT INTO procedure_recommendations
					(scenario_id, procedure_name, modality, rating, reasoning, pregnancy_safety, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (scenario_id, procedure_name, modality) DO NOTHING`,
				s.ID, p.Name, p.Modality, p.Rating, p.Reasoning, p.PregnancySafety, i)
		}
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("writing scenarios: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing scenarios: %w", err)
	}

	r.log.WithField("scenarios", len(scenarios)).Info("Scenario corpus upserted")
	return nil
}

// Count returns the number of stored scenarios.
func (r *ScenarioRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM clinical_scenarios`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting scenarios: %w", err)
	}
	return n, nil
}

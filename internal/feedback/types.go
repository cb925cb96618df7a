// Package feedback stores clinician feedback on recommendation runs. The
// clinician-chosen procedure serves as ground truth for hit-rate evaluation.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/imaging-rag-mcp-server/pkg/procname"
)

// Feedback is one clinician's verdict on a recommendation run.
type Feedback struct {
	ID                 int64     `json:"id,omitempty"`
	RunID              string    `json:"run_id"`
	Query              string    `json:"query"`
	Recommended        []string  `json:"recommended"`         // ranked procedure names shown
	SuggestedProcedure string    `json:"suggested_procedure"` // top-ranked recommendation
	ChosenProcedure    string    `json:"chosen_procedure"`    // what the clinician ordered
	Agreed             bool      `json:"agreed"`
	ChosenRank         int       `json:"chosen_rank"` // 1-based rank in Recommended, 0 if absent
	Notes              string    `json:"notes,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Prepare validates the entry and derives SuggestedProcedure, Agreed and ChosenRank.
func (f *Feedback) Prepare() error {
	f.RunID = strings.TrimSpace(f.RunID)
	f.ChosenProcedure = strings.TrimSpace(f.ChosenProcedure)
	if f.RunID == "" {
		return errors.New("run_id is required")
	}
	if f.ChosenProcedure == "" {
		return errors.New("chosen_procedure is required")
	}
	if f.SuggestedProcedure == "" && len(f.Recommended) > 0 {
		f.SuggestedProcedure = f.Recommended[0]
	}
	f.Agreed = procname.Equal(f.SuggestedProcedure, f.ChosenProcedure)
	f.ChosenRank = procname.RankOf(f.Recommended, f.ChosenProcedure)
	return nil
}

// Store is the feedback persistence contract shared by the SQLite and Postgres backends.
type Store interface {
	// Save inserts feedback or replaces the existing entry for the same run.
	Save(ctx context.Context, feedback *Feedback) error
	// Get returns the feedback for a run, or nil when there is none.
	Get(ctx context.Context, runID string) (*Feedback, error)
	List(ctx context.Context, limit, offset int) ([]*Feedback, error)
	Count(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id int64) error
	ExportJSON(ctx context.Context, writer io.Writer) error
	// ImportJSON skips entries whose run already has feedback.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)
	Close() error
}

// Export is the JSON export format.
type Export struct {
	Version    string      `json:"version"`
	ExportedAt time.Time   `json:"exported_at"`
	Count      int         `json:"count"`
	Feedback   []*Feedback `json:"feedback"`
}

const exportVersion = "1.0"

// maxExportLimit bounds a single export.
const maxExportLimit = 1000000

type scanner interface {
	Scan(dest ...any) error
}

const selectColumns = `id, run_id, query, recommended, suggested_procedure, chosen_procedure,
	agreed, chosen_rank, notes, created_at, updated_at`

func scanFeedback(s scanner) (*Feedback, error) {
	fb := &Feedback{}
	var recommended string
	err := s.Scan(
		&fb.ID, &fb.RunID, &fb.Query, &recommended, &fb.SuggestedProcedure, &fb.ChosenProcedure,
		&fb.Agreed, &fb.ChosenRank, &fb.Notes, &fb.CreatedAt, &fb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if recommended != "" {
		if err := json.Unmarshal([]byte(recommended), &fb.Recommended); err != nil {
			return nil, err
		}
	}
	return fb, nil
}

func encodeRecommended(names []string) string {
	if names == nil {
		names = []string{}
	}
	b, _ := json.Marshal(names)
	return string(b)
}

func exportAll(ctx context.Context, s Store, writer io.Writer) error {
	all, err := s.List(ctx, maxExportLimit, 0)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(writer)
	enc.SetIndent("", "  ")
	return enc.Encode(&Export{Version: exportVersion, ExportedAt: time.Now().UTC(), Count: len(all), Feedback: all})
}

func importAll(ctx context.Context, s Store, reader io.Reader) (imported, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(reader).Decode(&export); err != nil {
		return 0, 0, err
	}
	for _, fb := range export.Feedback {
		existing, err := s.Get(ctx, fb.RunID)
		if err != nil {
			return imported, skipped, err
		}
		if existing != nil {
			skipped++
			continue
		}
		fb.ID = 0
		if err := s.Save(ctx, fb); err != nil {
			return imported, skipped, err
		}
		imported++
	}
	return imported, skipped, nil
}

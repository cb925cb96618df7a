package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

// Scenario is one corpus entry with its precomputed embedding.
type Scenario struct {
	ID          string                   `json:"id"`
	Description string                   `json:"description"`
	Panel       string                   `json:"panel"`
	Topic       string                   `json:"topic"`
	RiskLevel   string                   `json:"risk_level,omitempty"`
	Population  string                   `json:"population,omitempty"`
	Embedding   []float32                `json:"embedding"`
	Procedures  []domain.ProcedureOption `json:"procedures,omitempty"`
}

func (s Scenario) candidate(similarity float64) domain.Candidate {
	procs := make([]domain.ProcedureOption, len(s.Procedures))
	for i, p := range s.Procedures {
		p.ScenarioID = s.ID
		procs[i] = p
	}
	return domain.Candidate{
		ID:          s.ID,
		Description: s.Description,
		Panel:       s.Panel,
		Topic:       s.Topic,
		RiskLevel:   s.RiskLevel,
		Population:  s.Population,
		Similarity:  similarity,
		Procedures:  procs,
	}
}

// MemoryStore is a brute-force cosine index over an in-memory scenario corpus.
type MemoryStore struct {
	mu        sync.RWMutex
	dimension int
	items     []Scenario
}

// NewMemoryStore constructs an empty store for vectors of the given dimension.
func NewMemoryStore(dimension int) *MemoryStore {
	return &MemoryStore{dimension: dimension}
}

// LoadMemoryStore reads a JSON array of scenarios from path.
// The dimension is taken from the first scenario.
func LoadMemoryStore(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	var scenarios []Scenario
	if err := json.Unmarshal(data, &scenarios); err != nil {
		return nil, fmt.Errorf("failed to decode corpus: %w", err)
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("corpus %s is empty", path)
	}
	store := NewMemoryStore(len(scenarios[0].Embedding))
	if err := store.Replace(scenarios); err != nil {
		return nil, err
	}
	return store, nil
}

// Replace swaps the stored corpus atomically. Every embedding must match the store dimension.
func (s *MemoryStore) Replace(scenarios []Scenario) error {
	items := make([]Scenario, len(scenarios))
	for i, sc := range scenarios {
		if len(sc.Embedding) != s.dimension {
			return fmt.Errorf("scenario %s: %w", sc.ID, &domain.DimensionMismatchError{Expected: s.dimension, Actual: len(sc.Embedding)})
		}
		sc.Embedding = append([]float32(nil), sc.Embedding...)
		items[i] = sc
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	return nil
}

// Size returns the current number of scenarios stored.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Dimension implements domain.VectorStore.
func (s *MemoryStore) Dimension() int {
	return s.dimension
}

// Scenarios returns a snapshot of the corpus in insertion order.
func (s *MemoryStore) Scenarios() []Scenario {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Scenario(nil), s.items...)
}

// Search implements domain.VectorStore with a stable sort so equal scores keep insertion order.
func (s *MemoryStore) Search(ctx context.Context, vec []float32, topK int) ([]domain.Candidate, error) {
	if len(vec) != s.dimension {
		return nil, &domain.DimensionMismatchError{Expected: s.dimension, Actual: len(vec)}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	items := s.items
	s.mu.RUnlock()

	hits := make([]domain.Candidate, 0, len(items))
	for _, it := range items {
		hits = append(hits, it.candidate(CosineSimilarity(vec, it.Embedding)))
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 for zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		fa := float64(a[i])
		fb := float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/imaging-rag-mcp-server/internal/domain"
)

type MockVectorStore struct {
	mock.Mock
}

func (m *MockVectorStore) Search(ctx context.Context, vec []float32, topK int) ([]domain.Candidate, error) {
	args := m.Called(ctx, vec, topK)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Candidate), args.Error(1)
}

func (m *MockVectorStore) Dimension() int {
	return m.Called().Int(0)
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func corpus() []Scenario {
	return []Scenario{
		{ID: "s1", Description: "慢性头痛", Panel: "神经", Topic: "头痛", Embedding: []float32{1, 0, 0}},
		{ID: "s2", Description: "急性头痛", Panel: "神经", Topic: "头痛", Embedding: []float32{1, 0, 0}},
		{ID: "s3", Description: "胸痛", Panel: "心血管", Topic: "胸痛", Embedding: []float32{0, 1, 0}},
		{ID: "s4", Description: "腹痛", Panel: "消化", Topic: "腹痛", Embedding: []float32{0.6, 0.8, 0},
			Procedures: []domain.ProcedureOption{{Name: "CT腹部", Modality: "CT", Rating: 8}}},
	}
}

func TestRetrieve_SortedWithStableTies(t *testing.T) {
	store := NewMemoryStore(3)
	require.NoError(t, store.Replace(corpus()))
	r := NewRetriever(store, testLogger())

	got, err := r.Retrieve(context.Background(), []float32{1, 0, 0}, 3)
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, "s1", got[0].ID, "equal scores keep insertion order")
	assert.Equal(t, "s2", got[1].ID)
	assert.Equal(t, "s4", got[2].ID)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-9)
	assert.InDelta(t, 0.6, got[2].Similarity, 1e-6)
	assert.Equal(t, "s4", got[2].Procedures[0].ScenarioID)
}

func TestRetrieve_DimensionMismatch(t *testing.T) {
	store := NewMemoryStore(3)
	require.NoError(t, store.Replace(corpus()))
	r := NewRetriever(store, testLogger())

	_, err := r.Retrieve(context.Background(), []float32{1, 0}, 3)

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrDimensionMismatch))
}

func TestRetrieve_InvalidTopK(t *testing.T) {
	r := NewRetriever(NewMemoryStore(3), testLogger())

	_, err := r.Retrieve(context.Background(), []float32{1, 0, 0}, 0)

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "top_k", verr.Field)
}

func TestRetrieve_EnforcesContractOverStore(t *testing.T) {
	store := new(MockVectorStore)
	store.On("Dimension").Return(2)
	store.On("Search", mock.Anything, []float32{1, 1}, 2).Return([]domain.Candidate{
		{ID: "a", Description: "a", Similarity: 0.2},
		{ID: "b", Description: "b", Similarity: 0.9},
		{ID: "b", Description: "b", Similarity: 0.9},
		{ID: "c", Description: "", Similarity: 0.95},
		{ID: "d", Description: "d", Similarity: 0.5},
	}, nil)
	r := NewRetriever(store, testLogger())

	got, err := r.Retrieve(context.Background(), []float32{1, 1}, 2)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "d", got[1].ID)
	store.AssertExpectations(t)
}

func TestRetrieve_StoreErrorWrapped(t *testing.T) {
	store := new(MockVectorStore)
	store.On("Dimension").Return(2)
	store.On("Search", mock.Anything, mock.Anything, 5).Return(nil, domain.ErrTimeout)
	r := NewRetriever(store, testLogger())

	_, err := r.Retrieve(context.Background(), []float32{1, 1}, 5)

	assert.True(t, errors.Is(err, domain.ErrTimeout))
}

func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore(3)
	require.NoError(t, store.Replace(corpus()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Search(ctx, []float32{1, 0, 0}, 2)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_ReplaceRejectsWrongDimension(t *testing.T) {
	store := NewMemoryStore(2)

	err := store.Replace(corpus())

	assert.True(t, errors.Is(err, domain.ErrDimensionMismatch))
	assert.Equal(t, 0, store.Size())
}

func TestLoadMemoryStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.json")
	data, err := json.Marshal(corpus())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	store, err := LoadMemoryStore(path)
	require.NoError(t, err)

	assert.Equal(t, 3, store.Dimension())
	assert.Equal(t, 4, store.Size())
	assert.Equal(t, "s1", store.Scenarios()[0].ID)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{2, 0}, []float32{5, 0}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
	assert.Equal(t, 0.0, CosineSimilarity(nil, []float32{1}))
}

func TestMaxSimilarity(t *testing.T) {
	assert.Equal(t, 0.0, MaxSimilarity(nil))
	assert.Equal(t, 0.7, MaxSimilarity([]domain.Candidate{{Similarity: 0.3}, {Similarity: 0.7}}))
}

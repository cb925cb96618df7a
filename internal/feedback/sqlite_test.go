package feedback

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "feedback.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleFeedback(runID string) *Feedback {
	return &Feedback{
		RunID:           runID,
		Query:           "45岁女性，慢性头痛3年",
		Recommended:     []string{"MR颅脑(平扫)", "CT颅脑(平扫)"},
		ChosenProcedure: "MR 颅脑（平扫）",
		Notes:           "无神经系统体征",
	}
}

func TestNewSQLiteStore_CreatesFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "feedback.db")

	store, err := NewSQLiteStore(dbPath)

	require.NoError(t, err)
	defer store.Close()
	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestPrepare(t *testing.T) {
	fb := sampleFeedback("run-1")

	require.NoError(t, fb.Prepare())

	assert.Equal(t, "MR颅脑(平扫)", fb.SuggestedProcedure)
	assert.True(t, fb.Agreed, "names compare after normalization")
	assert.Equal(t, 1, fb.ChosenRank)

	fb = sampleFeedback("run-2")
	fb.ChosenProcedure = "CT颅脑(平扫)"
	require.NoError(t, fb.Prepare())
	assert.False(t, fb.Agreed)
	assert.Equal(t, 2, fb.ChosenRank)

	assert.Error(t, (&Feedback{ChosenProcedure: "x"}).Prepare())
	assert.Error(t, (&Feedback{RunID: "r"}).Prepare())
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	fb := sampleFeedback("run-1")

	require.NoError(t, store.Save(ctx, fb))
	assert.NotZero(t, fb.ID)
	assert.False(t, fb.CreatedAt.IsZero())

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, fb.ID, got.ID)
	assert.Equal(t, []string{"MR颅脑(平扫)", "CT颅脑(平扫)"}, got.Recommended)
	assert.True(t, got.Agreed)
	assert.Equal(t, 1, got.ChosenRank)
	assert.Equal(t, "无神经系统体征", got.Notes)
}

func TestSQLiteStore_SaveReplacesSameRun(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	first := sampleFeedback("run-1")
	require.NoError(t, store.Save(ctx, first))

	second := sampleFeedback("run-1")
	second.ChosenProcedure = "CT颅脑(平扫)"
	require.NoError(t, store.Save(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := store.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "CT颅脑(平扫)", got.ChosenProcedure)
	assert.False(t, got.Agreed)
}

func TestSQLiteStore_SaveRejectsInvalid(t *testing.T) {
	store := createTestStore(t)

	err := store.Save(context.Background(), &Feedback{RunID: "run-1"})

	assert.Error(t, err)
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	store := createTestStore(t)

	got, err := store.Get(context.Background(), "missing")

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_ListPaginationAndDelete(t *testing.T) {
	store := createTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Save(ctx, sampleFeedback(id)))
		time.Sleep(5 * time.Millisecond)
	}

	page, err := store.List(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].RunID)

	rest, err := store.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "a", rest[0].RunID)

	require.NoError(t, store.Delete(ctx, rest[0].ID))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSQLiteStore_ExportImport(t *testing.T) {
	src := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, src.Save(ctx, sampleFeedback("a")))
	require.NoError(t, src.Save(ctx, sampleFeedback("b")))

	var buf bytes.Buffer
	require.NoError(t, src.ExportJSON(ctx, &buf))
	assert.Contains(t, buf.String(), `"version": "1.0"`)

	dst := createTestStore(t)
	require.NoError(t, dst.Save(ctx, sampleFeedback("a")))
	imported, skipped, err := dst.ImportJSON(ctx, bytes.NewReader(buf.Bytes()))

	require.NoError(t, err)
	assert.Equal(t, 1, imported)
	assert.Equal(t, 1, skipped)
	count, err := dst.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSQLiteStore_ImportRejectsGarbage(t *testing.T) {
	store := createTestStore(t)

	_, _, err := store.ImportJSON(context.Background(), bytes.NewReader([]byte("not json")))

	assert.Error(t, err)
}

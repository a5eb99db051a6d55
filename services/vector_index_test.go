package services

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/models"
)

func testChunks(n int) []models.Chunk {
	docID := primitive.NewObjectID()
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		chunks[i] = models.Chunk{
			ChunkID:    fmt.Sprintf("chunk-%d", i),
			DocumentID: docID,
			ChunkIndex: i,
			Text:       fmt.Sprintf("text %d", i),
		}
	}
	return chunks
}

func openTestRegistry(t *testing.T) (*IndexRegistry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "indexes.db")
	reg, err := NewIndexRegistry(path)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg, path
}

func TestSearchOrderingAndThreshold(t *testing.T) {
	reg, _ := openTestRegistry(t)

	// Vectors chosen so cosine scores against the query (1, 0) are known:
	// chunk 0 scores ~0.707, chunk 1 scores 1.0, chunk 2 scores 0.
	vectors := [][]float32{
		{1, 1},
		{2, 0},
		{0, 3},
	}
	require.NoError(t, reg.Build("doc-1", testChunks(3), vectors))

	idx, err := reg.Get("doc-1")
	require.NoError(t, err)

	hits, err := idx.Search([]float32{1, 0}, 10, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, "chunk-1", hits[0].ChunkID)
	require.InDelta(t, 1.0, hits[0].Score, 1e-6)
	require.Equal(t, "chunk-0", hits[1].ChunkID)
	require.InDelta(t, 0.7071, hits[1].Score, 1e-3)

	// A threshold above every score yields an empty result, not an error.
	hits, err = idx.Search([]float32{1, 0}, 10, 1.5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestSearchTiesBreakByChunkIndex(t *testing.T) {
	reg, _ := openTestRegistry(t)

	// All vectors identical: every score ties, so ordering must fall back
	// to ascending chunk index.
	vectors := [][]float32{
		{1, 1},
		{1, 1},
		{1, 1},
		{1, 1},
	}
	require.NoError(t, reg.Build("doc-ties", testChunks(4), vectors))

	idx, err := reg.Get("doc-ties")
	require.NoError(t, err)

	for range 5 {
		hits, err := idx.Search([]float32{1, 1}, 3, 0)
		require.NoError(t, err)
		require.Len(t, hits, 3)
		require.Equal(t, []int{0, 1, 2}, []int{hits[0].ChunkIndex, hits[1].ChunkIndex, hits[2].ChunkIndex})
	}
}

func TestSearchDimensionMismatch(t *testing.T) {
	reg, _ := openTestRegistry(t)
	require.NoError(t, reg.Build("doc-dim", testChunks(1), [][]float32{{1, 2, 3}}))

	idx, err := reg.Get("doc-dim")
	require.NoError(t, err)

	_, err = idx.Search([]float32{1, 2}, 5, 0)
	require.Error(t, err)
}

func TestRegistrySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "indexes.db")

	reg, err := NewIndexRegistry(path)
	require.NoError(t, err)
	vectors := [][]float32{{0, 1}, {1, 0}}
	require.NoError(t, reg.Build("doc-persist", testChunks(2), vectors))
	require.NoError(t, reg.Close())

	reg, err = NewIndexRegistry(path)
	require.NoError(t, err)
	defer reg.Close()

	idx, err := reg.Get("doc-persist")
	require.NoError(t, err)

	hits, err := idx.Search([]float32{1, 0}, 1, 0.9)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "chunk-1", hits[0].ChunkID)
}

func TestRebuildReplacesIndex(t *testing.T) {
	reg, _ := openTestRegistry(t)

	require.NoError(t, reg.Build("doc-r", testChunks(3), [][]float32{{1, 0}, {1, 0}, {1, 0}}))
	require.NoError(t, reg.Build("doc-r", testChunks(1), [][]float32{{0, 1}}))

	idx, err := reg.Get("doc-r")
	require.NoError(t, err)

	stats := idx.stats()
	require.Equal(t, 1, stats.Vectors)

	hits, err := idx.Search([]float32{0, 1}, 10, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
}

func TestDeleteIsIdempotent(t *testing.T) {
	reg, _ := openTestRegistry(t)

	require.NoError(t, reg.Build("doc-del", testChunks(1), [][]float32{{1, 0}}))
	require.NoError(t, reg.Delete("doc-del"))
	require.NoError(t, reg.Delete("doc-del"))

	_, err := reg.Get("doc-del")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStatsAndDocumentIDs(t *testing.T) {
	reg, _ := openTestRegistry(t)

	require.NoError(t, reg.Build("doc-a", testChunks(2), [][]float32{{1, 0, 0}, {0, 1, 0}}))
	require.NoError(t, reg.Build("doc-b", testChunks(1), [][]float32{{0, 0, 1}}))

	stats, err := reg.Stats("doc-a")
	require.NoError(t, err)
	require.Equal(t, 2, stats.Vectors)
	require.Equal(t, 3, stats.Dimension)
	require.Positive(t, stats.SizeBytes)

	ids, err := reg.DocumentIDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"doc-a", "doc-b"}, ids)
}

func TestBuildRejectsMismatchedInput(t *testing.T) {
	reg, _ := openTestRegistry(t)

	err := reg.Build("doc-bad", testChunks(2), [][]float32{{1, 0}})
	require.Error(t, err)

	err = reg.Build("doc-empty", nil, nil)
	require.Error(t, err)
}

package services

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/models"
)

func page(n int, text string) models.ExtractedPage {
	return models.ExtractedPage{Page: &n, Text: text}
}

func words(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestNewTokenChunkerRejectsBadOverlap(t *testing.T) {
	_, err := NewTokenChunker(100, 100)
	require.Error(t, err)

	_, err = NewTokenChunker(100, 150)
	require.Error(t, err)

	_, err = NewTokenChunker(0, 0)
	require.Error(t, err)

	_, err = NewTokenChunker(100, -1)
	require.Error(t, err)

	_, err = NewTokenChunker(100, 99)
	require.NoError(t, err)
}

func TestChunkDenseIndexAcrossPages(t *testing.T) {
	c, err := NewTokenChunker(10, 3)
	require.NoError(t, err)

	chunks, _ := c.Chunk(primitive.NewObjectID(), []models.ExtractedPage{
		page(1, words(25, "a")),
		page(2, words(8, "b")),
	})

	for i, ch := range chunks {
		require.Equal(t, i, ch.ChunkIndex, "chunk_index must be dense and zero-based")
	}
	// Page 2 is shorter than one chunk and yields exactly one chunk.
	last := chunks[len(chunks)-1]
	require.Equal(t, 2, *last.Page)
	require.Equal(t, 8, last.TokenCount)
	count2 := 0
	for _, ch := range chunks {
		if *ch.Page == 2 {
			count2++
		}
	}
	require.Equal(t, 1, count2)
}

func TestChunkOverlapSharedTokens(t *testing.T) {
	c, err := NewTokenChunker(10, 4)
	require.NoError(t, err)

	text := words(30, "w")
	chunks, _ := c.Chunk(primitive.NewObjectID(), []models.ExtractedPage{page(1, text)})
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		prev := strings.Fields(chunks[i-1].Text)
		cur := strings.Fields(chunks[i].Text)
		shared := 4
		if len(cur) < shared {
			shared = len(cur)
		}
		require.Equal(t, prev[len(prev)-shared:], cur[:shared],
			"consecutive chunks must share exactly the overlap tokens")
	}
}

// Reconstructing each page from chunk offsets must recover the page text
// exactly (between the first and last token), for every valid size/overlap
// pair.
func TestChunkReconstructionProperty(t *testing.T) {
	texts := []string{
		words(1, "t"),
		words(7, "t"),
		words(50, "t"),
		"  leading whitespace " + words(33, "x") + "\n\ttrailing\n",
		words(120, "long"),
	}

	for _, size := range []int{3, 8, 25, 100} {
		for _, overlap := range []int{0, 1, 2} {
			if overlap >= size {
				continue
			}
			c, err := NewTokenChunker(size, overlap)
			require.NoError(t, err)

			for _, text := range texts {
				chunks, total := c.Chunk(primitive.NewObjectID(), []models.ExtractedPage{page(1, text)})
				require.NotEmpty(t, chunks)
				require.Equal(t, len(strings.Fields(text)), total)

				rec := text[chunks[0].StartOffset:chunks[0].EndOffset]
				for i := 1; i < len(chunks); i++ {
					prevEnd := chunks[i-1].EndOffset
					if overlap > 0 {
						require.Less(t, chunks[i].StartOffset, prevEnd, "overlapping chunks must share text")
					}
					require.Greater(t, chunks[i].EndOffset, prevEnd, "each chunk must add new content")
					rec += text[prevEnd:chunks[i].EndOffset]
				}

				first := chunks[0].StartOffset
				lastEnd := chunks[len(chunks)-1].EndOffset
				require.Equal(t, text[first:lastEnd], rec,
					"size=%d overlap=%d", size, overlap)
				require.Equal(t, strings.TrimSpace(text), strings.TrimSpace(rec))
			}
		}
	}
}

func TestChunkTokenBudget(t *testing.T) {
	c, err := NewTokenChunker(10, 2)
	require.NoError(t, err)

	chunks, _ := c.Chunk(primitive.NewObjectID(), []models.ExtractedPage{page(1, words(37, "v"))})
	for i, ch := range chunks {
		require.LessOrEqual(t, ch.TokenCount, 10)
		if i < len(chunks)-1 {
			require.Equal(t, 10, ch.TokenCount, "only the final chunk of a page may be short")
		}
	}
}

func TestChunkSkipsEmptyPages(t *testing.T) {
	c, err := NewTokenChunker(100, 20)
	require.NoError(t, err)

	chunks, _ := c.Chunk(primitive.NewObjectID(), []models.ExtractedPage{
		page(1, words(40, "p1w")),
		page(2, "   \n\t "),
		page(3, words(12, "p3w")),
	})

	require.Len(t, chunks, 2)
	require.Equal(t, 1, *chunks[0].Page)
	require.Equal(t, 3, *chunks[1].Page)
	require.Equal(t, 0, chunks[0].ChunkIndex)
	require.Equal(t, 1, chunks[1].ChunkIndex)
}

func TestChunkNilPageNumber(t *testing.T) {
	c, err := NewTokenChunker(5, 1)
	require.NoError(t, err)

	chunks, _ := c.Chunk(primitive.NewObjectID(), []models.ExtractedPage{{Text: words(9, "n")}})
	require.Len(t, chunks, 2)
	for _, ch := range chunks {
		require.Nil(t, ch.Page)
	}
}

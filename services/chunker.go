package services

import (
	"fmt"
	"unicode"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/models"
)

// TokenChunker splits extracted pages into overlapping token windows. A
// token is a maximal run of non-space characters; chunks keep byte offsets
// into their page so the manifest reconstructs the source exactly.
type TokenChunker struct {
	chunkSize int
	overlap   int
}

// NewTokenChunker validates the size/overlap pair. Overlap >= size is a
// configuration error and must never reach the pipeline.
func NewTokenChunker(chunkSize, overlap int) (*TokenChunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("overlap (%d) must be non-negative and strictly less than chunk size (%d)", overlap, chunkSize)
	}
	return &TokenChunker{chunkSize: chunkSize, overlap: overlap}, nil
}

// Chunk produces the ordered chunk sequence for a document plus the total
// source token count (overlap tokens counted once). chunk_index is a dense
// zero-based sequence across all pages; overlap windows never cross a page
// boundary. A page shorter than one chunk yields exactly one chunk.
func (c *TokenChunker) Chunk(documentID primitive.ObjectID, pages []models.ExtractedPage) ([]models.Chunk, int) {
	var chunks []models.Chunk
	chunkIndex := 0
	totalTokens := 0
	step := c.chunkSize - c.overlap

	for _, page := range pages {
		toks := tokenize(page.Text)
		if len(toks) == 0 {
			continue
		}
		totalTokens += len(toks)

		for start := 0; start < len(toks); start += step {
			end := start + c.chunkSize
			if end > len(toks) {
				end = len(toks)
			}

			startOff := toks[start].start
			endOff := toks[end-1].end

			chunks = append(chunks, models.Chunk{
				ChunkID:     uuid.NewString(),
				DocumentID:  documentID,
				ChunkIndex:  chunkIndex,
				Text:        page.Text[startOff:endOff],
				Page:        page.Page,
				TokenCount:  end - start,
				StartOffset: startOff,
				EndOffset:   endOff,
			})
			chunkIndex++

			if end == len(toks) {
				break
			}
		}
	}

	return chunks, totalTokens
}

type tokenSpan struct {
	start, end int // byte offsets into the page text
}

func tokenize(text string) []tokenSpan {
	var spans []tokenSpan
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, tokenSpan{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, tokenSpan{start: start, end: len(text)})
	}
	return spans
}

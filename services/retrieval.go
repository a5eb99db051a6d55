package services

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/internal/ai"
	"docuquery-backend/models"
)

// RetrievedPassage is one chunk of context selected for a query, ranked by
// similarity.
type RetrievedPassage struct {
	Chunk models.Chunk
	Score float64
}

// RetrievalEngine answers "which passages of this document are relevant to
// this query". Queries are gated on document status: anything short of
// completed is ErrDocumentNotReady.
type RetrievalEngine struct {
	store     DocumentStore
	registry  *IndexRegistry
	embedder  ai.EmbeddingClient
	cache     *QueryCache
	threshold float64
	maxChunks int
}

func NewRetrievalEngine(store DocumentStore, registry *IndexRegistry, embedder ai.EmbeddingClient, cache *QueryCache, threshold float64, maxChunks int) *RetrievalEngine {
	if maxChunks <= 0 {
		maxChunks = 5
	}
	return &RetrievalEngine{
		store:     store,
		registry:  registry,
		embedder:  embedder,
		cache:     cache,
		threshold: threshold,
		maxChunks: maxChunks,
	}
}

// Retrieve returns up to maxChunks passages scoring at or above threshold,
// ordered by descending score. An empty result means the document holds
// nothing relevant; that is a valid answer, not an error. A non-positive
// maxChunks or a nil threshold selects the engine defaults.
func (e *RetrievalEngine) Retrieve(ctx context.Context, documentID primitive.ObjectID, query string, maxChunks int, threshold *float64) ([]RetrievedPassage, error) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status != models.StatusCompleted {
		return nil, fmt.Errorf("%w: document is %s", ErrDocumentNotReady, doc.Status)
	}

	vec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	idx, err := e.registry.Get(documentID.Hex())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Completed status without an index means the index file was
			// lost; the caller should reprocess.
			return nil, fmt.Errorf("%w: index is missing", ErrDocumentNotReady)
		}
		return nil, err
	}

	k := maxChunks
	if k <= 0 {
		k = e.maxChunks
	}
	th := e.threshold
	if threshold != nil {
		th = *threshold
	}

	hits, err := idx.Search(vec, k, th)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ChunkID
	}
	chunks, err := e.store.GetChunksByID(ctx, documentID, ids)
	if err != nil {
		return nil, err
	}

	passages := make([]RetrievedPassage, 0, len(hits))
	for _, h := range hits {
		ch, ok := chunks[h.ChunkID]
		if !ok {
			return nil, fmt.Errorf("index references missing chunk %s", h.ChunkID)
		}
		passages = append(passages, RetrievedPassage{Chunk: ch, Score: h.Score})
	}
	return passages, nil
}

func (e *RetrievalEngine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if vec := e.cache.Get(ctx, query); vec != nil {
		return vec, nil
	}

	vectors, err := e.embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("provider returned %d vectors for one query", len(vectors))
	}

	e.cache.Put(ctx, query, vectors[0])
	return vectors[0], nil
}

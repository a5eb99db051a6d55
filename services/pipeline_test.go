package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/internal/ai"
	"docuquery-backend/internal/config"
	"docuquery-backend/internal/extract"
	"docuquery-backend/models"
)

// memoryStore is an in-memory DocumentStore used by the pipeline tests.
type memoryStore struct {
	mu           sync.Mutex
	documents    map[primitive.ObjectID]*models.Document
	pages        map[primitive.ObjectID][]models.ExtractedPage
	chunks       map[primitive.ObjectID][]models.Chunk
	interactions map[primitive.ObjectID]*models.QAInteraction

	// onSaveChunks, when set before any submission, runs at the start of
	// SaveChunks so tests can race other operations against the persist
	// stage.
	onSaveChunks func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		documents:    make(map[primitive.ObjectID]*models.Document),
		pages:        make(map[primitive.ObjectID][]models.ExtractedPage),
		chunks:       make(map[primitive.ObjectID][]models.Chunk),
		interactions: make(map[primitive.ObjectID]*models.QAInteraction),
	}
}

func (m *memoryStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID.IsZero() {
		doc.ID = primitive.NewObjectID()
	}
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}
	cp := *doc
	m.documents[doc.ID] = &cp
	return nil
}

func (m *memoryStore) GetDocument(ctx context.Context, id primitive.ObjectID) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *memoryStore) ListDocuments(ctx context.Context, ownerID string, limit, offset int) ([]models.Document, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Document
	for _, doc := range m.documents {
		if doc.OwnerID == ownerID {
			out = append(out, *doc)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memoryStore) DeleteDocument(ctx context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return ErrNotFound
	}
	delete(m.documents, id)
	return nil
}

func (m *memoryStore) UpdateStatus(ctx context.Context, id primitive.ObjectID, from []string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	if len(from) > 0 {
		matched := false
		for _, f := range from {
			if doc.Status == f {
				matched = true
				break
			}
		}
		if !matched {
			return ErrNotFound
		}
	}
	doc.Status = status
	doc.UpdatedAt = time.Now()
	return nil
}

func (m *memoryStore) ListStale(ctx context.Context, status string, cutoff time.Time) ([]models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Document
	for _, doc := range m.documents {
		if doc.Status == status && doc.UpdatedAt.Before(cutoff) {
			out = append(out, *doc)
		}
	}
	return out, nil
}

func (m *memoryStore) MarkFailed(ctx context.Context, id primitive.ObjectID, kind, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	doc.Status = models.StatusFailed
	doc.FailureKind = kind
	doc.ErrorMessage = message
	return nil
}

func (m *memoryStore) MarkCompleted(ctx context.Context, id primitive.ObjectID, chunkCount, totalTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	doc.Status = models.StatusCompleted
	doc.ChunkCount = chunkCount
	doc.TotalTokens = totalTokens
	doc.FailureKind = ""
	doc.ErrorMessage = ""
	return nil
}

func (m *memoryStore) ResetForReprocess(ctx context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	if doc.Status != models.StatusCompleted && doc.Status != models.StatusFailed {
		return ErrNotReprocessable
	}
	doc.Status = models.StatusPending
	doc.ChunkCount = 0
	doc.TotalTokens = 0
	doc.FailureKind = ""
	doc.ErrorMessage = ""
	return nil
}

func (m *memoryStore) SetExtractedPages(ctx context.Context, id primitive.ObjectID, pages []models.ExtractedPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return ErrNotFound
	}
	m.pages[id] = pages
	return nil
}

func (m *memoryStore) GetExtractedPages(ctx context.Context, id primitive.ObjectID) ([]models.ExtractedPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages, ok := m.pages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return pages, nil
}

func (m *memoryStore) SaveChunks(ctx context.Context, documentID primitive.ObjectID, chunks []models.Chunk) error {
	if m.onSaveChunks != nil {
		m.onSaveChunks()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[documentID] = chunks
	return nil
}

func (m *memoryStore) GetChunks(ctx context.Context, documentID primitive.ObjectID) ([]models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chunks[documentID], nil
}

func (m *memoryStore) GetChunksByID(ctx context.Context, documentID primitive.ObjectID, chunkIDs []string) (map[string]models.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.Chunk)
	for _, ch := range m.chunks[documentID] {
		for _, id := range chunkIDs {
			if ch.ChunkID == id {
				out[id] = ch
			}
		}
	}
	return out, nil
}

func (m *memoryStore) DeleteChunks(ctx context.Context, documentID primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, documentID)
	return nil
}

func (m *memoryStore) SaveInteraction(ctx context.Context, qa *models.QAInteraction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qa.ID.IsZero() {
		qa.ID = primitive.NewObjectID()
	}
	qa.CreatedAt = time.Now()
	cp := *qa
	m.interactions[qa.ID] = &cp
	return nil
}

func (m *memoryStore) GetInteractions(ctx context.Context, documentID primitive.ObjectID, userID string, limit int) ([]models.QAInteraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.QAInteraction
	for _, qa := range m.interactions {
		if qa.DocumentID == documentID && qa.UserID == userID {
			out = append(out, *qa)
		}
	}
	return out, nil
}

func (m *memoryStore) RateInteraction(ctx context.Context, id primitive.ObjectID, userID string, rating int, feedback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qa, ok := m.interactions[id]
	if !ok || qa.UserID != userID {
		return ErrNotFound
	}
	if qa.Rating != nil {
		return ErrAlreadyRated
	}
	qa.Rating = &rating
	qa.Feedback = feedback
	return nil
}

func (m *memoryStore) status(t *testing.T, id primitive.ObjectID) string {
	t.Helper()
	doc, err := m.GetDocument(context.Background(), id)
	if err != nil {
		return ""
	}
	return doc.Status
}

// fakeEmbedder produces deterministic vectors and can be told to fail or
// block.
type fakeEmbedder struct {
	mu        sync.Mutex
	failures  int
	calls     int
	active    int
	maxActive int
	gate      chan struct{}
	entered   chan struct{}
}

func (f *fakeEmbedder) Dimension() int { return 3 }

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	entered := f.entered
	gate := f.gate
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	if fail {
		return nil, &ai.ProviderError{Provider: "fake", Op: "embed", Err: errors.New("rate limited")}
	}

	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)%7 + 1), float32(len(text) % 3), 1}
	}
	return out, nil
}

type pipelineFixture struct {
	pipeline *Pipeline
	store    *memoryStore
	embedder *fakeEmbedder
	registry *IndexRegistry
	dir      string
}

func newPipelineFixture(t *testing.T, embedder *fakeEmbedder, cfg *config.Config) *pipelineFixture {
	t.Helper()

	dir := t.TempDir()
	reg, err := NewIndexRegistry(filepath.Join(dir, "indexes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	chunker, err := NewTokenChunker(20, 5)
	require.NoError(t, err)

	store := newMemoryStore()
	p := NewPipeline(cfg, store, reg, embedder, extract.DefaultRegistry(), chunker, nil)
	p.Start()
	t.Cleanup(p.Stop)

	return &pipelineFixture{pipeline: p, store: store, embedder: embedder, registry: reg, dir: dir}
}

func testPipelineConfig() *config.Config {
	return &config.Config{
		ProcessingCapacity: 2,
		QueueDepth:         16,
		MaxRetries:         2,
		RetryBackoff:       time.Millisecond,
		EmbedBatchSize:     4,
	}
}

func (f *pipelineFixture) createDocument(t *testing.T, text string) primitive.ObjectID {
	t.Helper()

	path := filepath.Join(f.dir, fmt.Sprintf("doc-%s.txt", primitive.NewObjectID().Hex()))
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))

	doc := &models.Document{
		OwnerID:     "user-1",
		Title:       "test",
		ContentType: "text/plain",
		FilePath:    path,
		Status:      models.StatusPending,
	}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))
	return doc.ID
}

func waitForStatus(t *testing.T, store *memoryStore, id primitive.ObjectID, status string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.status(t, id) == status
	}, 5*time.Second, 5*time.Millisecond, "document never reached status %s (got %s)", status, store.status(t, id))
}

func TestPipelineProcessesDocument(t *testing.T) {
	f := newPipelineFixture(t, &fakeEmbedder{}, testPipelineConfig())
	id := f.createDocument(t, strings.Repeat("alpha beta gamma delta ", 12))

	require.NoError(t, f.pipeline.Submit(id))
	waitForStatus(t, f.store, id, models.StatusCompleted)

	doc, err := f.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	require.Positive(t, doc.ChunkCount)
	require.Positive(t, doc.TotalTokens)

	chunks, err := f.store.GetChunks(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, chunks, doc.ChunkCount)

	stats, err := f.registry.Stats(id.Hex())
	require.NoError(t, err)
	require.Equal(t, doc.ChunkCount, stats.Vectors)

	// Extraction output was stored for later reprocessing.
	_, err = f.store.GetExtractedPages(context.Background(), id)
	require.NoError(t, err)
}

func TestPipelineRejectsDuplicateSubmission(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := newPipelineFixture(t, emb, testPipelineConfig())
	id := f.createDocument(t, strings.Repeat("word ", 50))

	require.NoError(t, f.pipeline.Submit(id))
	<-emb.entered

	require.ErrorIs(t, f.pipeline.Submit(id), ErrAlreadyProcessing)

	close(emb.gate)
	waitForStatus(t, f.store, id, models.StatusCompleted)

	// Once finished the document can be submitted again after a reset.
	require.NoError(t, f.store.ResetForReprocess(context.Background(), id))
	require.NoError(t, f.pipeline.Submit(id))
	waitForStatus(t, f.store, id, models.StatusCompleted)
}

func TestPipelineBoundsConcurrency(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{})}
	cfg := testPipelineConfig()
	cfg.ProcessingCapacity = 2
	f := newPipelineFixture(t, emb, cfg)

	var ids []primitive.ObjectID
	for i := 0; i < 6; i++ {
		id := f.createDocument(t, strings.Repeat("token ", 40))
		ids = append(ids, id)
		require.NoError(t, f.pipeline.Submit(id))
	}

	// Give both workers time to reach the embedding stage.
	require.Eventually(t, func() bool {
		emb.mu.Lock()
		defer emb.mu.Unlock()
		return emb.active == 2
	}, 5*time.Second, 5*time.Millisecond)

	close(emb.gate)
	for _, id := range ids {
		waitForStatus(t, f.store, id, models.StatusCompleted)
	}

	emb.mu.Lock()
	defer emb.mu.Unlock()
	require.LessOrEqual(t, emb.maxActive, 2, "concurrent processing must not exceed capacity")
}

func TestPipelineRetriesTransientThenFails(t *testing.T) {
	emb := &fakeEmbedder{failures: 100}
	cfg := testPipelineConfig()
	cfg.MaxRetries = 2
	f := newPipelineFixture(t, emb, cfg)
	id := f.createDocument(t, strings.Repeat("retry ", 30))

	require.NoError(t, f.pipeline.Submit(id))
	waitForStatus(t, f.store, id, models.StatusFailed)

	doc, err := f.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.FailureProvider, doc.FailureKind)
	require.Contains(t, doc.ErrorMessage, "retries exhausted")

	emb.mu.Lock()
	defer emb.mu.Unlock()
	require.Equal(t, 3, emb.calls, "initial attempt plus MaxRetries retries")
}

func TestPipelineRecoversAfterTransientFailures(t *testing.T) {
	emb := &fakeEmbedder{failures: 2}
	f := newPipelineFixture(t, emb, testPipelineConfig())
	id := f.createDocument(t, strings.Repeat("flaky ", 30))

	require.NoError(t, f.pipeline.Submit(id))
	waitForStatus(t, f.store, id, models.StatusCompleted)
}

func TestPipelineExtractionFailureIsNotRetried(t *testing.T) {
	emb := &fakeEmbedder{}
	f := newPipelineFixture(t, emb, testPipelineConfig())

	doc := &models.Document{
		OwnerID:     "user-1",
		ContentType: "application/x-unknown",
		FilePath:    filepath.Join(f.dir, "missing.bin"),
		Status:      models.StatusPending,
	}
	require.NoError(t, os.WriteFile(doc.FilePath, []byte("binary"), 0o600))
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))

	require.NoError(t, f.pipeline.Submit(doc.ID))
	waitForStatus(t, f.store, doc.ID, models.StatusFailed)

	got, err := f.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.FailureExtraction, got.FailureKind)

	emb.mu.Lock()
	defer emb.mu.Unlock()
	require.Zero(t, emb.calls, "extraction failures must not reach the provider")
}

func TestPipelineCancelReturnsDocumentToPending(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	f := newPipelineFixture(t, emb, testPipelineConfig())
	id := f.createDocument(t, strings.Repeat("cancel ", 40))

	require.NoError(t, f.pipeline.Submit(id))
	<-emb.entered

	f.pipeline.Cancel(id)
	waitForStatus(t, f.store, id, models.StatusPending)

	require.Eventually(t, func() bool {
		return !f.pipeline.InFlight(id)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPipelineQueueFull(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	cfg := testPipelineConfig()
	cfg.ProcessingCapacity = 1
	cfg.QueueDepth = 1
	f := newPipelineFixture(t, emb, cfg)

	running := f.createDocument(t, strings.Repeat("a ", 30))
	require.NoError(t, f.pipeline.Submit(running))
	<-emb.entered

	queued := f.createDocument(t, strings.Repeat("b ", 30))
	require.NoError(t, f.pipeline.Submit(queued))

	rejected := f.createDocument(t, strings.Repeat("c ", 30))
	require.ErrorIs(t, f.pipeline.Submit(rejected), ErrQueueFull)

	close(emb.gate)
	waitForStatus(t, f.store, running, models.StatusCompleted)
	waitForStatus(t, f.store, queued, models.StatusCompleted)
	require.Equal(t, models.StatusPending, f.store.status(t, rejected))
}

func TestPipelineReprocess(t *testing.T) {
	f := newPipelineFixture(t, &fakeEmbedder{}, testPipelineConfig())
	id := f.createDocument(t, strings.Repeat("reprocess me ", 20))

	require.NoError(t, f.pipeline.Submit(id))
	waitForStatus(t, f.store, id, models.StatusCompleted)

	first, err := f.store.GetChunks(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Reprocess(context.Background(), id))
	waitForStatus(t, f.store, id, models.StatusCompleted)

	second, err := f.store.GetChunks(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	require.NotEqual(t, first[0].ChunkID, second[0].ChunkID, "reprocessing assigns fresh chunk ids")

	stats, err := f.registry.Stats(id.Hex())
	require.NoError(t, err)
	require.Equal(t, len(second), stats.Vectors)
}

func TestPipelineDeleteDuringPersistLeavesNoIndex(t *testing.T) {
	f := newPipelineFixture(t, &fakeEmbedder{}, testPipelineConfig())
	id := f.createDocument(t, strings.Repeat("persist race ", 20))

	// The delete cascade lands between the chunk persist and the index
	// build; the job must not recreate the index bucket afterwards.
	f.store.onSaveChunks = func() {
		f.pipeline.Cancel(id)
		require.NoError(t, f.store.DeleteDocument(context.Background(), id))
		require.NoError(t, f.store.DeleteChunks(context.Background(), id))
		require.NoError(t, f.registry.Delete(id.Hex()))
	}

	require.NoError(t, f.pipeline.Submit(id))
	require.Eventually(t, func() bool {
		return !f.pipeline.InFlight(id)
	}, 5*time.Second, 5*time.Millisecond)

	_, err := f.registry.Get(id.Hex())
	require.ErrorIs(t, err, ErrNotFound)

	ids, err := f.registry.DocumentIDs()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestPipelineReprocessRejectsNonTerminal(t *testing.T) {
	f := newPipelineFixture(t, &fakeEmbedder{}, testPipelineConfig())
	id := f.createDocument(t, "still pending")

	err := f.pipeline.Reprocess(context.Background(), id)
	require.ErrorIs(t, err, ErrNotReprocessable)
}

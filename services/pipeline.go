package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/internal/ai"
	"docuquery-backend/internal/config"
	"docuquery-backend/internal/extract"
	"docuquery-backend/internal/logger"
	"docuquery-backend/internal/telemetry"
	"docuquery-backend/models"
)

// Pipeline runs document processing on a bounded worker pool. Submissions
// queue in FIFO order, at most capacity documents process concurrently, and
// a document can have at most one in-flight job: a second submission is
// rejected with ErrAlreadyProcessing rather than queued behind the first.
type Pipeline struct {
	store     DocumentStore
	registry  *IndexRegistry
	embedder  ai.EmbeddingClient
	extractor *extract.Registry
	chunker   *TokenChunker
	metrics   *telemetry.Metrics

	capacity     int
	maxRetries   int
	retryBackoff time.Duration
	batchSize    int

	queue chan pipelineJob

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	rootCtx  context.Context
	rootStop context.CancelFunc
	wg       sync.WaitGroup
}

type pipelineJob struct {
	documentID primitive.ObjectID
	ctx        context.Context
}

// NewPipeline wires the processing stages together. Start must be called
// before Submit.
func NewPipeline(cfg *config.Config, store DocumentStore, registry *IndexRegistry, embedder ai.EmbeddingClient, extractor *extract.Registry, chunker *TokenChunker, metrics *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		store:        store,
		registry:     registry,
		embedder:     embedder,
		extractor:    extractor,
		chunker:      chunker,
		metrics:      metrics,
		capacity:     cfg.ProcessingCapacity,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
		batchSize:    cfg.EmbedBatchSize,
		queue:        make(chan pipelineJob, cfg.QueueDepth),
		inflight:     make(map[string]context.CancelFunc),
	}
}

// Start launches the worker pool.
func (p *Pipeline) Start() {
	p.mu.Lock()
	p.rootCtx, p.rootStop = context.WithCancel(context.Background())
	p.mu.Unlock()

	for i := 0; i < p.capacity; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	logger.Info("Processing pipeline started", "capacity", p.capacity, "queue_depth", cap(p.queue))
}

// Stop cancels all in-flight jobs and waits for the workers to drain.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.rootStop != nil {
		p.rootStop()
	}
	p.mu.Unlock()

	close(p.queue)
	p.wg.Wait()
	logger.Info("Processing pipeline stopped")
}

// Submit queues a document for processing. It returns ErrAlreadyProcessing
// when the document already has a queued or running job, and ErrQueueFull
// when the submit queue is saturated.
func (p *Pipeline) Submit(documentID primitive.ObjectID) error {
	key := documentID.Hex()

	p.mu.Lock()
	if p.rootCtx == nil {
		p.mu.Unlock()
		return errors.New("pipeline is not running")
	}
	if _, busy := p.inflight[key]; busy {
		p.mu.Unlock()
		return ErrAlreadyProcessing
	}
	jobCtx, cancel := context.WithCancel(p.rootCtx)
	p.inflight[key] = cancel
	p.mu.Unlock()

	select {
	case p.queue <- pipelineJob{documentID: documentID, ctx: jobCtx}:
		return nil
	default:
		p.release(key)
		return ErrQueueFull
	}
}

// Cancel aborts the in-flight job for a document, if any. Processing stops
// at the next checkpoint; the delete flow calls this before removing the
// document's data.
func (p *Pipeline) Cancel(documentID primitive.ObjectID) {
	p.mu.Lock()
	cancel, ok := p.inflight[documentID.Hex()]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// InFlight reports whether the document has a queued or running job.
func (p *Pipeline) InFlight(documentID primitive.ObjectID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[documentID.Hex()]
	return ok
}

func (p *Pipeline) release(key string) {
	p.mu.Lock()
	if cancel, ok := p.inflight[key]; ok {
		cancel()
		delete(p.inflight, key)
	}
	p.mu.Unlock()
}

func (p *Pipeline) worker(id int) {
	defer p.wg.Done()

	for job := range p.queue {
		if err := job.ctx.Err(); err != nil {
			p.release(job.documentID.Hex())
			continue
		}

		start := time.Now()
		err := p.ProcessDocument(job.ctx, job.documentID)
		p.release(job.documentID.Hex())

		switch {
		case err == nil:
			p.metrics.RecordProcessed(context.Background(), models.StatusCompleted, time.Since(start).Seconds())
		case errors.Is(err, context.Canceled):
			logger.Info("Processing cancelled", "worker", id, "document_id", job.documentID.Hex())
		default:
			p.metrics.RecordProcessed(context.Background(), models.StatusFailed, time.Since(start).Seconds())
			logger.Error("Processing failed", "worker", id, "document_id", job.documentID.Hex(), "error", err)
		}
	}
}

// ProcessDocument runs the full pipeline for one document: claim, extract,
// chunk, embed, index, complete. Cancellation is honored at the checkpoint
// between each stage; a cancelled document is returned to pending. The
// distributed worker calls this directly, with its own dedup in front.
func (p *Pipeline) ProcessDocument(ctx context.Context, documentID primitive.ObjectID) error {
	// Claim the document. Losing the race (already processing, deleted)
	// surfaces as ErrNotFound here.
	if err := p.store.UpdateStatus(ctx, documentID, []string{models.StatusPending}, models.StatusProcessing); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("document %s is not pending: %w", documentID.Hex(), err)
		}
		return err
	}

	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}

	pages, err := p.loadPages(ctx, doc)
	if err != nil {
		return p.fail(ctx, documentID, err)
	}
	if err := p.checkpoint(ctx, documentID); err != nil {
		return err
	}

	chunks, totalTokens := p.chunker.Chunk(documentID, pages)
	if len(chunks) == 0 {
		return p.fail(ctx, documentID, fmt.Errorf("%w: no chunkable text", extract.ErrExtractionFailed))
	}
	if err := p.checkpoint(ctx, documentID); err != nil {
		return err
	}

	vectors, err := p.embedChunks(ctx, chunks)
	if err != nil {
		return p.fail(ctx, documentID, err)
	}
	if err := p.checkpoint(ctx, documentID); err != nil {
		return err
	}

	if err := p.store.SaveChunks(ctx, documentID, chunks); err != nil {
		return p.fail(ctx, documentID, err)
	}
	// A delete racing the persist stage must not see its index bucket
	// recreated, so cancellation is rechecked right before the build.
	if err := p.checkpoint(ctx, documentID); err != nil {
		return err
	}
	if err := p.registry.Build(documentID.Hex(), chunks, vectors); err != nil {
		return p.fail(ctx, documentID, err)
	}

	if err := p.store.MarkCompleted(ctx, documentID, len(chunks), totalTokens); err != nil {
		return err
	}

	logger.Info("Document processed",
		"document_id", documentID.Hex(),
		"chunks", len(chunks),
		"tokens", totalTokens)
	return nil
}

// loadPages reuses stored extraction output when present, so a reprocess
// skips the extraction stage entirely.
func (p *Pipeline) loadPages(ctx context.Context, doc *models.Document) ([]models.ExtractedPage, error) {
	pages, err := p.store.GetExtractedPages(ctx, doc.ID)
	if err == nil {
		return pages, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	data, err := os.ReadFile(doc.FilePath)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read stored file: %v", extract.ErrExtractionFailed, err)
	}

	pages, err = p.extractor.Extract(ctx, doc.ContentType, data)
	if err != nil {
		return nil, err
	}

	if err := p.store.SetExtractedPages(ctx, doc.ID, pages); err != nil {
		return nil, err
	}
	return pages, nil
}

// embedChunks sends chunk texts to the provider in batches. Transient
// provider failures are retried per batch with exponential backoff, up to
// maxRetries, before the document fails.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []models.Chunk) ([][]float32, error) {
	batchSize := p.batchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, 0, end-start)
		for _, ch := range chunks[start:end] {
			texts = append(texts, ch.Text)
		}

		batch, err := p.embedWithRetry(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("provider returned %d vectors for %d texts", len(batch), len(texts))
		}
		vectors = append(vectors, batch...)

		if p.metrics != nil {
			p.metrics.EmbeddingBatches.Add(ctx, 1)
		}
	}
	return vectors, nil
}

func (p *Pipeline) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	backoff := p.retryBackoff
	var lastErr error

	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if p.metrics != nil {
				p.metrics.ProviderRetries.Add(ctx, 1)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		vectors, err := p.embedder.EmbedBatch(ctx, texts)
		if err == nil {
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !ai.IsTransient(err) {
			return nil, err
		}
		lastErr = err
		logger.Warn("Embedding batch failed, will retry", "attempt", attempt+1, "error", err)
	}

	return nil, fmt.Errorf("embedding retries exhausted: %w", lastErr)
}

// checkpoint is the cancellation point between pipeline stages. A cancelled
// document goes back to pending so it can be resubmitted or deleted cleanly.
func (p *Pipeline) checkpoint(ctx context.Context, documentID primitive.ObjectID) error {
	if err := ctx.Err(); err == nil {
		return nil
	}

	reset, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.UpdateStatus(reset, documentID, []string{models.StatusProcessing}, models.StatusPending); err != nil && !errors.Is(err, ErrNotFound) {
		logger.Error("Failed to reset cancelled document", "document_id", documentID.Hex(), "error", err)
	}
	return ctx.Err()
}

// fail records the terminal failure, classifying it so callers can tell a
// broken upload (never retried) from an exhausted provider.
func (p *Pipeline) fail(ctx context.Context, documentID primitive.ObjectID, cause error) error {
	if errors.Is(cause, context.Canceled) {
		return p.checkpoint(ctx, documentID)
	}

	kind := models.FailureProvider
	if errors.Is(cause, extract.ErrExtractionFailed) || errors.Is(cause, extract.ErrUnsupportedFormat) {
		kind = models.FailureExtraction
	}

	mark, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.MarkFailed(mark, documentID, kind, cause.Error()); err != nil && !errors.Is(err, ErrNotFound) {
		logger.Error("Failed to record document failure", "document_id", documentID.Hex(), "error", err)
	}
	return cause
}

// Reprocess moves a terminal document back to pending, destroys its derived
// data, and queues a fresh run. Chunks are cleared before the index so a
// reader never sees a completed document with a missing index.
func (p *Pipeline) Reprocess(ctx context.Context, documentID primitive.ObjectID) error {
	if p.InFlight(documentID) {
		return ErrAlreadyProcessing
	}

	if err := p.store.ResetForReprocess(ctx, documentID); err != nil {
		return err
	}
	if err := p.store.DeleteChunks(ctx, documentID); err != nil {
		return err
	}
	if err := p.registry.Delete(documentID.Hex()); err != nil {
		return err
	}

	return p.Submit(documentID)
}

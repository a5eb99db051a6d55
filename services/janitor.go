package services

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/internal/logger"
	"docuquery-backend/models"
)

// Janitor runs the periodic cleanup jobs: failing processing runs that lost
// their worker (a crashed pod leaves documents stuck in processing forever)
// and dropping index buckets whose documents are gone.
type Janitor struct {
	scheduler *gocron.Scheduler
	store     DocumentStore
	registry  *IndexRegistry
	staleAge  time.Duration
}

func NewJanitor(store DocumentStore, registry *IndexRegistry, staleAge time.Duration) *Janitor {
	if staleAge <= 0 {
		staleAge = 30 * time.Minute
	}
	return &Janitor{
		scheduler: gocron.NewScheduler(time.UTC),
		store:     store,
		registry:  registry,
		staleAge:  staleAge,
	}
}

func (j *Janitor) Start() {
	j.scheduler.Every(15).Minutes().Do(j.sweepStuck)
	j.scheduler.Every(6).Hours().Do(j.sweepOrphanedIndexes)
	j.scheduler.StartAsync()
	logger.Info("Janitor started", "stale_age", j.staleAge.String())
}

func (j *Janitor) Stop() {
	j.scheduler.Stop()
}

// sweepStuck fails documents that have been in processing longer than the
// stale age. Their worker is gone; failing them makes reprocess available.
func (j *Janitor) sweepStuck() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-j.staleAge)
	docs, err := j.store.ListStale(ctx, models.StatusProcessing, cutoff)
	if err != nil {
		logger.Error("Stale document sweep failed", "error", err)
		return
	}

	for _, doc := range docs {
		err := j.store.MarkFailed(ctx, doc.ID, models.FailureProvider,
			"processing timed out and was abandoned")
		if err != nil {
			logger.Error("Failed to fail stale document", "document_id", doc.ID.Hex(), "error", err)
			continue
		}
		logger.Warn("Failed stale processing document",
			"document_id", doc.ID.Hex(),
			"stuck_since", doc.UpdatedAt.Format(time.RFC3339))
	}
}

// sweepOrphanedIndexes drops index buckets that no longer have a document.
// Deletes that race a crash can leave the bucket behind.
func (j *Janitor) sweepOrphanedIndexes() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	ids, err := j.registry.DocumentIDs()
	if err != nil {
		logger.Error("Orphaned index sweep failed", "error", err)
		return
	}

	for _, id := range ids {
		objID, err := primitive.ObjectIDFromHex(id)
		if err != nil {
			// Bucket name is not a document id; drop it.
			if err := j.registry.Delete(id); err != nil {
				logger.Error("Failed to drop malformed index bucket", "bucket", id, "error", err)
			}
			continue
		}

		_, err = j.store.GetDocument(ctx, objID)
		if errors.Is(err, ErrNotFound) {
			if err := j.registry.Delete(id); err != nil {
				logger.Error("Failed to drop orphaned index", "document_id", id, "error", err)
				continue
			}
			logger.Info("Dropped orphaned index", "document_id", id)
		}
	}
}

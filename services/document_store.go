package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"docuquery-backend/models"
	"docuquery-backend/utils"
)

// DocumentStore is the persistence boundary for documents, chunks and QA
// interactions. The pipeline and the HTTP layer depend on this interface so
// tests can substitute an in-memory implementation.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id primitive.ObjectID) (*models.Document, error)
	ListDocuments(ctx context.Context, ownerID string, limit, offset int) ([]models.Document, int64, error)
	DeleteDocument(ctx context.Context, id primitive.ObjectID) error

	// UpdateStatus moves a document to status only if its current status is
	// one of from. It returns ErrNotFound when no document matches, which
	// callers use to detect races on the state machine.
	UpdateStatus(ctx context.Context, id primitive.ObjectID, from []string, status string) error
	MarkFailed(ctx context.Context, id primitive.ObjectID, kind, message string) error
	MarkCompleted(ctx context.Context, id primitive.ObjectID, chunkCount, totalTokens int) error
	ResetForReprocess(ctx context.Context, id primitive.ObjectID) error

	// ListStale returns documents sitting in status since before cutoff.
	// The janitor uses it to fail processing runs that lost their worker.
	ListStale(ctx context.Context, status string, cutoff time.Time) ([]models.Document, error)

	SetExtractedPages(ctx context.Context, id primitive.ObjectID, pages []models.ExtractedPage) error
	GetExtractedPages(ctx context.Context, id primitive.ObjectID) ([]models.ExtractedPage, error)

	SaveChunks(ctx context.Context, documentID primitive.ObjectID, chunks []models.Chunk) error
	GetChunks(ctx context.Context, documentID primitive.ObjectID) ([]models.Chunk, error)
	GetChunksByID(ctx context.Context, documentID primitive.ObjectID, chunkIDs []string) (map[string]models.Chunk, error)
	DeleteChunks(ctx context.Context, documentID primitive.ObjectID) error

	SaveInteraction(ctx context.Context, qa *models.QAInteraction) error
	GetInteractions(ctx context.Context, documentID primitive.ObjectID, userID string, limit int) ([]models.QAInteraction, error)
	RateInteraction(ctx context.Context, id primitive.ObjectID, userID string, rating int, feedback string) error
}

// MongoDocumentStore backs DocumentStore with three MongoDB collections.
type MongoDocumentStore struct {
	documents    *mongo.Collection
	chunks       *mongo.Collection
	interactions *mongo.Collection
}

func NewMongoDocumentStore(db *mongo.Database) *MongoDocumentStore {
	return &MongoDocumentStore{
		documents:    db.Collection("documents"),
		chunks:       db.Collection("chunks"),
		interactions: db.Collection("qa_interactions"),
	}
}

func (s *MongoDocumentStore) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.ID.IsZero() {
		doc.ID = primitive.NewObjectID()
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = models.StatusPending
	}

	if _, err := s.documents.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}
	return nil
}

func (s *MongoDocumentStore) GetDocument(ctx context.Context, id primitive.ObjectID) (*models.Document, error) {
	var doc models.Document
	err := s.documents.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch document: %w", err)
	}
	return &doc, nil
}

func (s *MongoDocumentStore) ListDocuments(ctx context.Context, ownerID string, limit, offset int) ([]models.Document, int64, error) {
	filter := bson.M{"owner_id": ownerID}

	total, err := s.documents.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count documents: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"pages_compressed": 0})

	cursor, err := s.documents.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []models.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode documents: %w", err)
	}
	return docs, total, nil
}

func (s *MongoDocumentStore) DeleteDocument(ctx context.Context, id primitive.ObjectID) error {
	res, err := s.documents.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDocumentStore) UpdateStatus(ctx context.Context, id primitive.ObjectID, from []string, status string) error {
	filter := bson.M{"_id": id}
	if len(from) > 0 {
		filter["status"] = bson.M{"$in": from}
	}

	update := bson.M{"$set": bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}}
	if status == models.StatusProcessing || status == models.StatusPending {
		update["$unset"] = bson.M{"failure_kind": "", "error_message": ""}
	}

	res, err := s.documents.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to update document status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDocumentStore) MarkFailed(ctx context.Context, id primitive.ObjectID, kind, message string) error {
	now := time.Now().UTC()
	res, err := s.documents.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":        models.StatusFailed,
		"failure_kind":  kind,
		"error_message": message,
		"updated_at":    now,
		"processed_at":  now,
	}})
	if err != nil {
		return fmt.Errorf("failed to mark document failed: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDocumentStore) MarkCompleted(ctx context.Context, id primitive.ObjectID, chunkCount, totalTokens int) error {
	now := time.Now().UTC()
	res, err := s.documents.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"status":       models.StatusCompleted,
			"chunk_count":  chunkCount,
			"total_tokens": totalTokens,
			"updated_at":   now,
			"processed_at": now,
		},
		"$unset": bson.M{"failure_kind": "", "error_message": ""},
	})
	if err != nil {
		return fmt.Errorf("failed to mark document completed: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetForReprocess moves a terminal document back to pending. Only
// completed and failed documents qualify; anything else returns
// ErrNotReprocessable.
func (s *MongoDocumentStore) ResetForReprocess(ctx context.Context, id primitive.ObjectID) error {
	res, err := s.documents.UpdateOne(ctx,
		bson.M{"_id": id, "status": bson.M{"$in": []string{models.StatusCompleted, models.StatusFailed}}},
		bson.M{
			"$set":   bson.M{"status": models.StatusPending, "chunk_count": 0, "total_tokens": 0, "updated_at": time.Now().UTC()},
			"$unset": bson.M{"failure_kind": "", "error_message": "", "processed_at": ""},
		})
	if err != nil {
		return fmt.Errorf("failed to reset document: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetDocument(ctx, id); err != nil {
			return err
		}
		return ErrNotReprocessable
	}
	return nil
}

func (s *MongoDocumentStore) ListStale(ctx context.Context, status string, cutoff time.Time) ([]models.Document, error) {
	opts := options.Find().SetProjection(bson.M{"pages_compressed": 0})
	cursor, err := s.documents.Find(ctx, bson.M{
		"status":     status,
		"updated_at": bson.M{"$lt": cutoff},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale documents: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []models.Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode stale documents: %w", err)
	}
	return docs, nil
}

// SetExtractedPages stores the extraction result compressed on the document
// record so a reprocess can skip the extraction step.
func (s *MongoDocumentStore) SetExtractedPages(ctx context.Context, id primitive.ObjectID, pages []models.ExtractedPage) error {
	raw, err := json.Marshal(pages)
	if err != nil {
		return fmt.Errorf("failed to encode extracted pages: %w", err)
	}
	compressed, err := utils.CompressData(raw, utils.CompressionBrotli)
	if err != nil {
		return fmt.Errorf("failed to compress extracted pages: %w", err)
	}

	res, err := s.documents.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"pages_compressed": compressed,
		"pages_codec":      string(utils.CompressionBrotli),
		"updated_at":       time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("failed to store extracted pages: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExtractedPages returns the stored extraction result, or ErrNotFound
// when the document has never completed extraction.
func (s *MongoDocumentStore) GetExtractedPages(ctx context.Context, id primitive.ObjectID) ([]models.ExtractedPage, error) {
	var doc models.Document
	err := s.documents.FindOne(ctx, bson.M{"_id": id},
		options.FindOne().SetProjection(bson.M{"pages_compressed": 1, "pages_codec": 1})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch extracted pages: %w", err)
	}
	if len(doc.PagesCompressed) == 0 {
		return nil, ErrNotFound
	}

	codec := utils.CompressionAlgorithm(doc.PagesCodec)
	if codec == "" {
		codec = utils.CompressionNone
	}
	raw, err := utils.DecompressData(doc.PagesCompressed, codec)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress extracted pages: %w", err)
	}

	var pages []models.ExtractedPage
	if err := json.Unmarshal(raw, &pages); err != nil {
		return nil, fmt.Errorf("failed to decode extracted pages: %w", err)
	}
	return pages, nil
}

// SaveChunks replaces the chunk set for a document. Delete then insert runs
// in two steps; the pipeline only flips the document to completed after both
// succeed, so readers gate on status rather than chunk presence.
func (s *MongoDocumentStore) SaveChunks(ctx context.Context, documentID primitive.ObjectID, chunks []models.Chunk) error {
	if _, err := s.chunks.DeleteMany(ctx, bson.M{"document_id": documentID}); err != nil {
		return fmt.Errorf("failed to clear existing chunks: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]interface{}, len(chunks))
	for i := range chunks {
		docs[i] = chunks[i]
	}
	if _, err := s.chunks.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("failed to insert chunks: %w", err)
	}
	return nil
}

func (s *MongoDocumentStore) GetChunks(ctx context.Context, documentID primitive.ObjectID) ([]models.Chunk, error) {
	opts := options.Find().SetSort(bson.D{{Key: "chunk_index", Value: 1}})
	cursor, err := s.chunks.Find(ctx, bson.M{"document_id": documentID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunks: %w", err)
	}
	defer cursor.Close(ctx)

	var chunks []models.Chunk
	if err := cursor.All(ctx, &chunks); err != nil {
		return nil, fmt.Errorf("failed to decode chunks: %w", err)
	}
	return chunks, nil
}

func (s *MongoDocumentStore) GetChunksByID(ctx context.Context, documentID primitive.ObjectID, chunkIDs []string) (map[string]models.Chunk, error) {
	cursor, err := s.chunks.Find(ctx, bson.M{
		"document_id": documentID,
		"chunk_id":    bson.M{"$in": chunkIDs},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chunks by id: %w", err)
	}
	defer cursor.Close(ctx)

	out := make(map[string]models.Chunk, len(chunkIDs))
	for cursor.Next(ctx) {
		var ch models.Chunk
		if err := cursor.Decode(&ch); err != nil {
			return nil, fmt.Errorf("failed to decode chunk: %w", err)
		}
		out[ch.ChunkID] = ch
	}
	return out, cursor.Err()
}

func (s *MongoDocumentStore) DeleteChunks(ctx context.Context, documentID primitive.ObjectID) error {
	if _, err := s.chunks.DeleteMany(ctx, bson.M{"document_id": documentID}); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

func (s *MongoDocumentStore) SaveInteraction(ctx context.Context, qa *models.QAInteraction) error {
	if qa.ID.IsZero() {
		qa.ID = primitive.NewObjectID()
	}
	qa.CreatedAt = time.Now().UTC()

	if _, err := s.interactions.InsertOne(ctx, qa); err != nil {
		return fmt.Errorf("failed to save interaction: %w", err)
	}
	return nil
}

func (s *MongoDocumentStore) GetInteractions(ctx context.Context, documentID primitive.ObjectID, userID string, limit int) ([]models.QAInteraction, error) {
	if limit <= 0 {
		limit = 20
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.interactions.Find(ctx, bson.M{"document_id": documentID, "user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch interactions: %w", err)
	}
	defer cursor.Close(ctx)

	var out []models.QAInteraction
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode interactions: %w", err)
	}
	return out, nil
}

// RateInteraction sets the rating exactly once. A second attempt returns
// ErrAlreadyRated; rating someone else's interaction returns ErrNotFound.
func (s *MongoDocumentStore) RateInteraction(ctx context.Context, id primitive.ObjectID, userID string, rating int, feedback string) error {
	res, err := s.interactions.UpdateOne(ctx,
		bson.M{"_id": id, "user_id": userID, "rating": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"rating": rating, "feedback": feedback}})
	if err != nil {
		return fmt.Errorf("failed to rate interaction: %w", err)
	}
	if res.MatchedCount == 0 {
		count, err := s.interactions.CountDocuments(ctx, bson.M{"_id": id, "user_id": userID})
		if err != nil {
			return fmt.Errorf("failed to check interaction: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrAlreadyRated
	}
	return nil
}

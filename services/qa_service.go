package services

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/internal/logger"
	"docuquery-backend/internal/telemetry"
	"docuquery-backend/models"
)

// QAService is the question-answering surface over one document: retrieve,
// synthesize, persist the interaction.
type QAService struct {
	store       DocumentStore
	retrieval   *RetrievalEngine
	synthesizer *AnswerSynthesizer
	metrics     *telemetry.Metrics
}

func NewQAService(store DocumentStore, retrieval *RetrievalEngine, synthesizer *AnswerSynthesizer, metrics *telemetry.Metrics) *QAService {
	return &QAService{
		store:       store,
		retrieval:   retrieval,
		synthesizer: synthesizer,
		metrics:     metrics,
	}
}

// Ask answers a question against a completed document and records the
// interaction. Empty retrieval still produces an interaction: the user asked
// and got the insufficiency answer.
func (s *QAService) Ask(ctx context.Context, documentID primitive.ObjectID, userID string, req models.QARequest) (*models.QAResponse, error) {
	start := time.Now()

	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}

	passages, err := s.retrieval.Retrieve(ctx, documentID, req.Question, req.MaxChunks, req.Threshold)
	if err != nil {
		return nil, err
	}

	result, err := s.synthesizer.Synthesize(ctx, doc.Title, req.Question, passages)
	if err != nil {
		return nil, err
	}

	latency := time.Since(start)
	interaction := &models.QAInteraction{
		DocumentID: documentID,
		UserID:     userID,
		Question:   req.Question,
		Answer:     result.Answer,
		Confidence: result.Confidence,
		Sources:    result.Sources,
		ChunksUsed: result.ChunksUsed,
		LatencyMS:  latency.Milliseconds(),
	}
	if err := s.store.SaveInteraction(ctx, interaction); err != nil {
		// The user already has an answer; losing the history row is not
		// worth failing the request.
		logger.Error("Failed to save QA interaction", "document_id", documentID.Hex(), "error", err)
	}

	s.metrics.RecordQA(ctx, latency.Seconds(), result.ChunksUsed, result.TokensUsed)
	logger.Info("Question answered",
		"document_id", documentID.Hex(),
		"chunks_used", result.ChunksUsed,
		"confidence", result.Confidence,
		"latency_ms", latency.Milliseconds())

	return &models.QAResponse{
		InteractionID: interaction.ID.Hex(),
		DocumentID:    documentID.Hex(),
		Answer:        result.Answer,
		Confidence:    result.Confidence,
		Sources:       result.Sources,
		ChunksUsed:    result.ChunksUsed,
		LatencyMS:     latency.Milliseconds(),
	}, nil
}

// Search runs a raw similarity search with no model call.
func (s *QAService) Search(ctx context.Context, documentID primitive.ObjectID, req models.SearchRequest) ([]models.SearchResult, error) {
	passages, err := s.retrieval.Retrieve(ctx, documentID, req.Query, req.MaxResults, req.Threshold)
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, len(passages))
	for i, p := range passages {
		results[i] = models.SearchResult{
			ChunkID:    p.Chunk.ChunkID,
			ChunkIndex: p.Chunk.ChunkIndex,
			Page:       p.Chunk.Page,
			Text:       p.Chunk.Text,
			Score:      p.Score,
		}
	}
	return results, nil
}

// History lists the caller's past interactions with a document, newest
// first.
func (s *QAService) History(ctx context.Context, documentID primitive.ObjectID, userID string, limit int) ([]models.QAInteraction, error) {
	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	return s.store.GetInteractions(ctx, documentID, userID, limit)
}

// Rate sets the one-time rating on an interaction the caller owns.
func (s *QAService) Rate(ctx context.Context, interactionID primitive.ObjectID, userID string, req models.RatingRequest) error {
	return s.store.RateInteraction(ctx, interactionID, userID, req.Rating, req.Feedback)
}

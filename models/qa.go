package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Citation points an answer back at the chunk it was grounded on.
type Citation struct {
	ChunkID    string  `bson:"chunk_id" json:"chunk_id"`
	ChunkIndex int     `bson:"chunk_index" json:"chunk_index"`
	Page       *int    `bson:"page,omitempty" json:"page,omitempty"`
	Preview    string  `bson:"preview,omitempty" json:"preview,omitempty"`
	Score      float64 `bson:"score" json:"score"`
}

// QAInteraction records one answered question. Immutable after creation
// except Rating/Feedback, which the asking user may set exactly once.
type QAInteraction struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	DocumentID primitive.ObjectID `bson:"document_id" json:"document_id"`
	UserID     string             `bson:"user_id" json:"user_id"`
	Question   string             `bson:"question" json:"question"`
	Answer     string             `bson:"answer" json:"answer"`
	Confidence float64            `bson:"confidence" json:"confidence"`
	Sources    []Citation         `bson:"sources,omitempty" json:"sources,omitempty"`
	ChunksUsed int                `bson:"chunks_used" json:"chunks_used"`
	LatencyMS  int64              `bson:"latency_ms" json:"latency_ms"`
	Rating     *int               `bson:"rating,omitempty" json:"rating,omitempty"`
	Feedback   string             `bson:"feedback,omitempty" json:"feedback,omitempty"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
}

// QARequest is the ask-a-question payload.
type QARequest struct {
	Question  string   `json:"question" binding:"required,min=3,max=2000"`
	MaxChunks int      `json:"max_chunks" binding:"omitempty,min=1,max=20"`
	Threshold *float64 `json:"threshold" binding:"omitempty,min=0,max=1"`
}

// QAResponse is the answer payload.
type QAResponse struct {
	InteractionID string     `json:"interaction_id"`
	DocumentID    string     `json:"document_id"`
	Answer        string     `json:"answer"`
	Confidence    float64    `json:"confidence"`
	Sources       []Citation `json:"sources"`
	ChunksUsed    int        `json:"chunks_used"`
	LatencyMS     int64      `json:"latency_ms"`
}

// SearchRequest is the raw similarity-search payload (no LLM call).
type SearchRequest struct {
	Query      string   `json:"query" binding:"required,min=1,max=2000"`
	MaxResults int      `json:"max_results" binding:"omitempty,min=1,max=50"`
	Threshold  *float64 `json:"threshold" binding:"omitempty,min=0,max=1"`
}

// SearchResult is one ranked passage from a similarity search.
type SearchResult struct {
	ChunkID    string  `json:"chunk_id"`
	ChunkIndex int     `json:"chunk_index"`
	Page       *int    `json:"page,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

// RatingRequest sets the one-time rating on a QA interaction.
type RatingRequest struct {
	Rating   int    `json:"rating" binding:"required,min=1,max=5"`
	Feedback string `json:"feedback" binding:"omitempty,max=2000"`
}

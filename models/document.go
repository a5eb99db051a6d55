package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Document processing statuses. Transitions are driven exclusively by the
// processing pipeline: pending -> processing -> completed | failed, plus the
// explicit reprocess transition completed|failed -> pending.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Failure kinds recorded alongside StatusFailed so callers can tell a bad
// upload from an exhausted provider.
const (
	FailureExtraction = "extraction" // unsupported format, corrupt file, empty text; never retried
	FailureProvider   = "provider"   // embedding/LLM provider exhausted its retry budget
)

// Document is the metadata record for one uploaded document. Chunks and the
// vector index are owned by the document and destroyed wholesale on delete
// or reprocess.
type Document struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OwnerID      string             `bson:"owner_id" json:"owner_id"`
	Title        string             `bson:"title" json:"title"`
	OriginalName string             `bson:"original_name" json:"original_name"`
	ContentType  string             `bson:"content_type" json:"content_type"`
	FilePath     string             `bson:"file_path" json:"-"`
	Status       string             `bson:"status" json:"status"`
	FailureKind  string             `bson:"failure_kind,omitempty" json:"failure_kind,omitempty"`
	ErrorMessage string             `bson:"error_message,omitempty" json:"error_message,omitempty"`
	ChunkCount   int                `bson:"chunk_count" json:"chunk_count"`
	TotalTokens  int                `bson:"total_tokens" json:"total_tokens"`
	Tags         []string           `bson:"tags,omitempty" json:"tags,omitempty"`

	// Extracted pages are stored compressed so reprocessing can skip
	// extraction. Empty until the first successful extraction.
	PagesCompressed []byte `bson:"pages_compressed,omitempty" json:"-"`
	PagesCodec      string `bson:"pages_codec,omitempty" json:"-"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty" json:"processed_at,omitempty"`
}

// ExtractedPage is one unit of extracted text. Page is nil for sources
// without a page concept (plain text, markdown).
type ExtractedPage struct {
	Page *int   `bson:"page,omitempty" json:"page,omitempty"`
	Text string `bson:"text" json:"text"`
}

// Chunk is a token-bounded slice of a document's extracted text, the unit of
// retrieval. ChunkIndex is a dense zero-based sequence across the whole
// document. StartOffset/EndOffset are byte offsets into the page text the
// chunk was cut from, so the manifest can reconstruct the source exactly.
type Chunk struct {
	ChunkID     string             `bson:"chunk_id" json:"chunk_id"`
	DocumentID  primitive.ObjectID `bson:"document_id" json:"document_id"`
	ChunkIndex  int                `bson:"chunk_index" json:"chunk_index"`
	Text        string             `bson:"text" json:"text"`
	Page        *int               `bson:"page,omitempty" json:"page,omitempty"`
	TokenCount  int                `bson:"token_count" json:"token_count"`
	StartOffset int                `bson:"start_offset" json:"start_offset"`
	EndOffset   int                `bson:"end_offset" json:"end_offset"`
}

// DocumentStatusResponse is the status payload returned by the API.
type DocumentStatusResponse struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	OriginalName string     `json:"original_name"`
	ContentType  string     `json:"content_type"`
	Status       string     `json:"status"`
	FailureKind  string     `json:"failure_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ChunkCount   int        `json:"chunk_count"`
	TotalTokens  int        `json:"total_tokens"`
	Tags         []string   `json:"tags,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
}

// StatusResponse converts a Document into its API representation.
func (d *Document) StatusResponse() DocumentStatusResponse {
	return DocumentStatusResponse{
		ID:           d.ID.Hex(),
		Title:        d.Title,
		OriginalName: d.OriginalName,
		ContentType:  d.ContentType,
		Status:       d.Status,
		FailureKind:  d.FailureKind,
		ErrorMessage: d.ErrorMessage,
		ChunkCount:   d.ChunkCount,
		TotalTokens:  d.TotalTokens,
		Tags:         d.Tags,
		CreatedAt:    d.CreatedAt,
		ProcessedAt:  d.ProcessedAt,
	}
}

package services

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/internal/config"
	"docuquery-backend/internal/logger"
	"docuquery-backend/internal/queue"
	"docuquery-backend/models"
)

// DocumentService owns the document lifecycle: upload, submit for
// processing, reprocess, delete. Processing runs either on the in-process
// pipeline or, when the distributed queue is enabled, through asynq workers.
type DocumentService struct {
	cfg         *config.Config
	store       DocumentStore
	pipeline    *Pipeline
	registry    *IndexRegistry
	asynqClient *asynq.Client
	uploadDir   string
}

func NewDocumentService(cfg *config.Config, store DocumentStore, pipeline *Pipeline, registry *IndexRegistry, asynqClient *asynq.Client) (*DocumentService, error) {
	uploadDir := filepath.Join(cfg.FileStorageDir, "documents")
	if err := os.MkdirAll(uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	return &DocumentService{
		cfg:         cfg,
		store:       store,
		pipeline:    pipeline,
		registry:    registry,
		asynqClient: asynqClient,
		uploadDir:   uploadDir,
	}, nil
}

// UploadRequest is a validated document upload.
type UploadRequest struct {
	OwnerID string
	Title   string
	Tags    []string
	File    multipart.File
	Header  *multipart.FileHeader
}

// Upload validates the file, stores it, creates the pending document record
// and submits it for processing.
func (s *DocumentService) Upload(ctx context.Context, req *UploadRequest) (*models.Document, error) {
	contentType := req.Header.Header.Get("Content-Type")
	if err := s.validate(req.Header, contentType); err != nil {
		return nil, err
	}

	path, err := s.storeFile(req.File, req.Header)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = req.Header.Filename
	}

	doc := &models.Document{
		OwnerID:      req.OwnerID,
		Title:        title,
		OriginalName: req.Header.Filename,
		ContentType:  normalizeContentType(contentType),
		FilePath:     path,
		Status:       models.StatusPending,
		Tags:         req.Tags,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		os.Remove(path)
		return nil, err
	}

	if err := s.submit(doc.ID); err != nil {
		// The record stays pending; the janitor or a manual reprocess can
		// pick it up later.
		logger.Error("Failed to submit uploaded document", "document_id", doc.ID.Hex(), "error", err)
		return doc, err
	}

	logger.Info("Document uploaded",
		"document_id", doc.ID.Hex(),
		"owner_id", doc.OwnerID,
		"content_type", doc.ContentType,
		"size", req.Header.Size)
	return doc, nil
}

func (s *DocumentService) validate(header *multipart.FileHeader, contentType string) error {
	if header.Size <= 0 {
		return fmt.Errorf("uploaded file is empty")
	}
	if header.Size > s.cfg.MaxFileSize {
		return fmt.Errorf("file exceeds the %d byte limit", s.cfg.MaxFileSize)
	}

	normalized := normalizeContentType(contentType)
	for _, allowed := range s.cfg.AllowedTypes {
		if normalized == normalizeContentType(allowed) {
			return nil
		}
	}
	return fmt.Errorf("unsupported content type: %s", contentType)
}

func (s *DocumentService) storeFile(file multipart.File, header *multipart.FileHeader) (string, error) {
	// The stored name is opaque; the original filename only lives in the
	// database record.
	name := uuid.NewString() + strings.ToLower(filepath.Ext(header.Filename))
	path := filepath.Join(s.uploadDir, name)

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(file, s.cfg.MaxFileSize+1)); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("failed to store file: %w", err)
	}
	return path, nil
}

// submit hands the document to whichever processing path is configured.
func (s *DocumentService) submit(documentID primitive.ObjectID) error {
	if s.asynqClient != nil {
		task, err := queue.NewProcessDocumentTask(documentID)
		if err != nil {
			return err
		}
		if _, err := s.asynqClient.Enqueue(task); err != nil {
			if queue.IsDuplicate(err) {
				return ErrAlreadyProcessing
			}
			return fmt.Errorf("failed to enqueue processing task: %w", err)
		}
		return nil
	}
	return s.pipeline.Submit(documentID)
}

func (s *DocumentService) Get(ctx context.Context, id primitive.ObjectID) (*models.Document, error) {
	return s.store.GetDocument(ctx, id)
}

func (s *DocumentService) List(ctx context.Context, ownerID string, limit, offset int) ([]models.Document, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListDocuments(ctx, ownerID, limit, offset)
}

// Delete cancels any in-flight processing, then removes the document and
// everything derived from it.
func (s *DocumentService) Delete(ctx context.Context, id primitive.ObjectID) error {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	if s.pipeline != nil {
		s.pipeline.Cancel(id)
	}

	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteChunks(ctx, id); err != nil {
		return err
	}
	if err := s.registry.Delete(id.Hex()); err != nil {
		return err
	}
	if doc.FilePath != "" {
		if err := os.Remove(doc.FilePath); err != nil && !os.IsNotExist(err) {
			logger.Warn("Failed to remove stored file", "path", doc.FilePath, "error", err)
		}
	}

	logger.Info("Document deleted", "document_id", id.Hex())
	return nil
}

// Reprocess resets a terminal document and runs it through the pipeline
// again. Derived data is destroyed up front so no reader sees stale chunks
// under a pending document.
func (s *DocumentService) Reprocess(ctx context.Context, id primitive.ObjectID) error {
	if s.asynqClient == nil {
		return s.pipeline.Reprocess(ctx, id)
	}

	if err := s.store.ResetForReprocess(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteChunks(ctx, id); err != nil {
		return err
	}
	if err := s.registry.Delete(id.Hex()); err != nil {
		return err
	}
	return s.submit(id)
}

// DocumentStats combines the document record with its index footprint.
type DocumentStats struct {
	Document models.DocumentStatusResponse `json:"document"`
	Index    *IndexStats                   `json:"index,omitempty"`
}

func (s *DocumentService) Stats(ctx context.Context, id primitive.ObjectID) (*DocumentStats, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	stats := &DocumentStats{Document: doc.StatusResponse()}
	if doc.Status == models.StatusCompleted {
		idx, err := s.registry.Stats(id.Hex())
		if err == nil {
			stats.Index = &idx
		}
	}
	return stats, nil
}

// normalizeContentType strips parameters like "; charset=utf-8".
func normalizeContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"docuquery-backend/internal/logger"
)

const TaskProcessDocument = "document:process"

type ProcessDocumentPayload struct {
	DocumentID string `json:"document_id"`
}

// DocumentProcessor is implemented by the processing pipeline. The worker
// binary delegates task execution to it.
type DocumentProcessor interface {
	ProcessDocument(ctx context.Context, documentID primitive.ObjectID) error
}

// NewProcessDocumentTask builds the processing task for one document. The
// task id is the document id, so Redis enforces one in-flight job per
// document across all workers.
func NewProcessDocumentTask(documentID primitive.ObjectID) (*asynq.Task, error) {
	payload, err := json.Marshal(ProcessDocumentPayload{DocumentID: documentID.Hex()})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskProcessDocument,
		payload,
		asynq.TaskID(documentID.Hex()),
		asynq.MaxRetry(0), // retries happen inside the pipeline, per stage
		asynq.Timeout(10*time.Minute),
		asynq.Queue("documents"),
	), nil
}

// IsDuplicate reports whether an enqueue failed because the document already
// has a queued or running task.
func IsDuplicate(err error) bool {
	return errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask)
}

// TaskProcessor executes queued tasks in the worker binary.
type TaskProcessor struct {
	processor DocumentProcessor
}

func NewTaskProcessor(processor DocumentProcessor) *TaskProcessor {
	return &TaskProcessor{processor: processor}
}

func (p *TaskProcessor) HandleProcessDocument(ctx context.Context, t *asynq.Task) error {
	var payload ProcessDocumentPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid task payload: %v: %w", err, asynq.SkipRetry)
	}

	documentID, err := primitive.ObjectIDFromHex(payload.DocumentID)
	if err != nil {
		return fmt.Errorf("invalid document id %q: %w", payload.DocumentID, asynq.SkipRetry)
	}

	logger.Info("Processing queued document", "document_id", payload.DocumentID)
	return p.processor.ProcessDocument(ctx, documentID)
}

// Register installs the task handlers on an asynq mux.
func (p *TaskProcessor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskProcessDocument, p.HandleProcessDocument)
}

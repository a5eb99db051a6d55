package services

import "errors"

var (
	// ErrNotFound is returned for unknown or deleted documents and
	// interactions.
	ErrNotFound = errors.New("not found")

	// ErrDocumentNotReady is returned when a query targets a document that
	// has not reached completed status. Recoverable: the caller may retry
	// once processing finishes.
	ErrDocumentNotReady = errors.New("document is not ready for querying")

	// ErrAlreadyProcessing is returned when a processing request targets a
	// document that already has an in-flight job.
	ErrAlreadyProcessing = errors.New("document is already being processed")

	// ErrNotReprocessable is returned when reprocessing is requested for a
	// document that is not in a terminal state.
	ErrNotReprocessable = errors.New("document must be completed or failed to reprocess")

	// ErrAlreadyRated is returned when a QA interaction rating is set twice.
	ErrAlreadyRated = errors.New("interaction has already been rated")

	// ErrQueueFull is returned when the processing submit queue is saturated.
	ErrQueueFull = errors.New("processing queue is full")
)

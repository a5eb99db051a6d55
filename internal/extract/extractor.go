// Package extract turns uploaded files into ordered page text. Formats are
// registered per content type; the pipeline never branches on file type
// itself.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"docuquery-backend/models"
)

// ErrUnsupportedFormat means no extractor is registered for the declared
// content type. ErrExtractionFailed wraps parse failures on registered
// formats. Both are non-transient: the pipeline fails the document without
// retrying.
var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrExtractionFailed  = errors.New("extraction failed")
)

// Extractor parses one document format into ordered extracted pages.
type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]models.ExtractedPage, error)
}

// Registry resolves an Extractor by declared content type. New formats are
// added by registering an implementation, not by branching in the pipeline.
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// DefaultRegistry returns a registry with all built-in formats registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("application/pdf", &PDFExtractor{})
	r.Register("text/plain", &TextExtractor{})
	r.Register("text/markdown", &TextExtractor{})
	r.Register("application/vnd.openxmlformats-officedocument.wordprocessingml.document", &DocxExtractor{})
	r.Register("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", &XlsxExtractor{})
	return r
}

// Register installs an extractor for a content type, replacing any previous
// registration.
func (r *Registry) Register(contentType string, e Extractor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extractors[normalizeContentType(contentType)] = e
}

// Resolve returns the extractor for the declared content type.
func (r *Registry) Resolve(contentType string) (Extractor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.extractors[normalizeContentType(contentType)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, contentType)
	}
	return e, nil
}

// Extract resolves and runs the extractor, then drops pages with no text.
// A document whose every page is empty fails extraction.
func (r *Registry) Extract(ctx context.Context, contentType string, data []byte) ([]models.ExtractedPage, error) {
	e, err := r.Resolve(contentType)
	if err != nil {
		return nil, err
	}

	pages, err := e.Extract(ctx, data)
	if err != nil {
		return nil, err
	}

	kept := pages[:0]
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: no text content extracted", ErrExtractionFailed)
	}
	return kept, nil
}

// normalizeContentType strips parameters like "; charset=utf-8".
func normalizeContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

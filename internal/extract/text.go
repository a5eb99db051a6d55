package extract

import (
	"context"
	"strings"
	"unicode/utf8"

	"docuquery-backend/models"
)

// TextExtractor handles plain text and markdown. Form feeds act as page
// separators; without them the whole document is a single page with no
// page number.
type TextExtractor struct{}

func (e *TextExtractor) Extract(ctx context.Context, data []byte) ([]models.ExtractedPage, error) {
	if !utf8.Valid(data) {
		return nil, ErrExtractionFailed
	}
	text := string(data)

	if !strings.Contains(text, "\f") {
		return []models.ExtractedPage{{Text: text}}, nil
	}

	parts := strings.Split(text, "\f")
	pages := make([]models.ExtractedPage, 0, len(parts))
	for i, part := range parts {
		pageNum := i + 1
		pages = append(pages, models.ExtractedPage{Page: &pageNum, Text: part})
	}
	return pages, nil
}

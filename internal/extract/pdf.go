package extract

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ledongthuc/pdf"

	"docuquery-backend/models"
)

// PDFExtractor pulls plain text per page using the embedded text layer.
// Scanned PDFs without a text layer yield empty pages and fail in the
// registry's empty-content check.
type PDFExtractor struct{}

func (e *PDFExtractor) Extract(ctx context.Context, data []byte) ([]models.ExtractedPage, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	numPages := reader.NumPage()
	pages := make([]models.ExtractedPage, 0, numPages)

	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// A single unreadable page should not sink the document.
			continue
		}

		pageNum := i
		pages = append(pages, models.ExtractedPage{Page: &pageNum, Text: text})
	}

	return pages, nil
}

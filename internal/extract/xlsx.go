package extract

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"docuquery-backend/models"
)

// XlsxExtractor flattens spreadsheet cells into text, one page per sheet.
// Rows become lines with cells joined by tabs, which keeps tabular context
// together inside a chunk.
type XlsxExtractor struct{}

func (e *XlsxExtractor) Extract(ctx context.Context, data []byte) ([]models.ExtractedPage, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: not a valid xlsx file: %v", ErrExtractionFailed, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	pages := make([]models.ExtractedPage, 0, len(sheets))

	for i, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, fmt.Errorf("%w: sheet %q: %v", ErrExtractionFailed, sheet, err)
		}

		var sb strings.Builder
		sb.WriteString(sheet)
		sb.WriteString("\n")
		for _, row := range rows {
			sb.WriteString(strings.Join(row, "\t"))
			sb.WriteString("\n")
		}

		pageNum := i + 1
		pages = append(pages, models.ExtractedPage{Page: &pageNum, Text: sb.String()})
	}

	return pages, nil
}

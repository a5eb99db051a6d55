package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"docuquery-backend/models"
)

func TestRegistryUnsupportedFormat(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.Extract(context.Background(), "application/x-msdownload", []byte("MZ"))
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestRegistryContentTypeParameters(t *testing.T) {
	r := DefaultRegistry()
	pages, err := r.Extract(context.Background(), "text/plain; charset=utf-8", []byte("hello world"))
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Equal(t, "hello world", pages[0].Text)
	require.Nil(t, pages[0].Page)
}

func TestTextExtractorFormFeedPages(t *testing.T) {
	r := DefaultRegistry()
	pages, err := r.Extract(context.Background(), "text/plain", []byte("page one\fpage two\fpage three"))
	require.NoError(t, err)
	require.Len(t, pages, 3)
	require.Equal(t, 1, *pages[0].Page)
	require.Equal(t, "page two", pages[1].Text)
	require.Equal(t, 3, *pages[2].Page)
}

func TestTextExtractorDropsEmptyPages(t *testing.T) {
	r := DefaultRegistry()
	pages, err := r.Extract(context.Background(), "text/plain", []byte("page one\f   \fpage three"))
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, 1, *pages[0].Page)
	require.Equal(t, 3, *pages[1].Page)
}

func TestTextExtractorAllEmptyFails(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.Extract(context.Background(), "text/plain", []byte("  \f \n \f "))
	require.ErrorIs(t, err, ErrExtractionFailed)
}

func TestDocxExtractor(t *testing.T) {
	docXML := `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>First paragraph.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Second </w:t></w:r><w:r><w:t>paragraph.</w:t></w:r></w:p>
  </w:body>
</w:document>`

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(docXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	pages, err := (&DocxExtractor{}).Extract(context.Background(), buf.Bytes())
	require.NoError(t, err)
	require.Len(t, pages, 1)
	require.Contains(t, pages[0].Text, "First paragraph.")
	require.Contains(t, pages[0].Text, "Second paragraph.")
}

func TestDocxExtractorRejectsGarbage(t *testing.T) {
	_, err := (&DocxExtractor{}).Extract(context.Background(), []byte("not a zip"))
	require.ErrorIs(t, err, ErrExtractionFailed)
}

func TestPDFExtractorRejectsGarbage(t *testing.T) {
	_, err := (&PDFExtractor{}).Extract(context.Background(), []byte("%PDF-garbage"))
	if err == nil {
		t.Skip("pdf reader tolerated truncated input")
	}
	require.Error(t, err)
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("text/plain", &TextExtractor{})

	stub := stubExtractor{err: errors.New("boom")}
	r.Register("text/plain", stub)

	_, err := r.Extract(context.Background(), "text/plain", []byte("x"))
	require.ErrorContains(t, err, "boom")
}

type stubExtractor struct{ err error }

func (s stubExtractor) Extract(ctx context.Context, data []byte) ([]models.ExtractedPage, error) {
	return nil, s.err
}

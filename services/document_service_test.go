package services

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"docuquery-backend/internal/config"
	"docuquery-backend/models"
)

type documentServiceFixture struct {
	*pipelineFixture
	svc *DocumentService
	cfg *config.Config
}

func newDocumentServiceFixture(t *testing.T, emb *fakeEmbedder) *documentServiceFixture {
	t.Helper()

	cfg := testPipelineConfig()
	cfg.FileStorageDir = t.TempDir()
	cfg.MaxFileSize = 1 << 20
	cfg.AllowedTypes = []string{"text/plain", "application/pdf"}

	pf := newPipelineFixture(t, emb, cfg)
	svc, err := NewDocumentService(cfg, pf.store, pf.pipeline, pf.registry, nil)
	require.NoError(t, err)

	return &documentServiceFixture{pipelineFixture: pf, svc: svc, cfg: cfg}
}

// multipartFile builds a real multipart part so the upload path sees the
// same File/FileHeader pair gin hands it.
func multipartFile(t *testing.T, name, contentType, content string) (multipart.File, *multipart.FileHeader) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	form, err := multipart.NewReader(&buf, w.Boundary()).ReadForm(32 << 20)
	require.NoError(t, err)
	t.Cleanup(func() { form.RemoveAll() })

	header := form.File["file"][0]
	file, err := header.Open()
	require.NoError(t, err)
	t.Cleanup(func() { file.Close() })
	return file, header
}

func (f *documentServiceFixture) upload(t *testing.T, name, contentType, content string) (*models.Document, error) {
	t.Helper()
	file, header := multipartFile(t, name, contentType, content)
	return f.svc.Upload(context.Background(), &UploadRequest{
		OwnerID: "user-1",
		File:    file,
		Header:  header,
	})
}

func TestDocumentServiceUploadProcessesDocument(t *testing.T) {
	f := newDocumentServiceFixture(t, &fakeEmbedder{})

	doc, err := f.upload(t, "notes.txt", "text/plain; charset=utf-8", strings.Repeat("alpha beta gamma delta ", 20))
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, doc.Status)
	require.Equal(t, "notes.txt", doc.Title)
	require.Equal(t, "text/plain", doc.ContentType)
	require.FileExists(t, doc.FilePath)

	waitForStatus(t, f.store, doc.ID, models.StatusCompleted)

	stats, err := f.svc.Stats(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, stats.Document.Status)
	require.NotNil(t, stats.Index)
	require.Positive(t, stats.Index.Vectors)
}

func TestDocumentServiceStatsOmitsIndexBeforeCompletion(t *testing.T) {
	f := newDocumentServiceFixture(t, &fakeEmbedder{})

	doc := &models.Document{OwnerID: "user-1", Status: models.StatusPending}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))

	stats, err := f.svc.Stats(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Nil(t, stats.Index)
}

func TestDocumentServiceUploadValidation(t *testing.T) {
	f := newDocumentServiceFixture(t, &fakeEmbedder{})

	_, err := f.upload(t, "logo.png", "image/png", "not really a png")
	require.ErrorContains(t, err, "unsupported content type")

	_, err = f.upload(t, "empty.txt", "text/plain", "")
	require.ErrorContains(t, err, "empty")

	f.cfg.MaxFileSize = 16
	_, err = f.upload(t, "big.txt", "text/plain", strings.Repeat("x", 64))
	require.ErrorContains(t, err, "limit")
}

func TestDocumentServiceDeleteMidProcessing(t *testing.T) {
	emb := &fakeEmbedder{gate: make(chan struct{})}
	f := newDocumentServiceFixture(t, emb)

	doomed, err := f.upload(t, "doomed.txt", "text/plain", strings.Repeat("first document body ", 30))
	require.NoError(t, err)
	bystander, err := f.upload(t, "bystander.txt", "text/plain", strings.Repeat("second document body ", 30))
	require.NoError(t, err)

	// Both documents are blocked inside the embedding stage.
	require.Eventually(t, func() bool {
		emb.mu.Lock()
		defer emb.mu.Unlock()
		return emb.active == 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Delete(context.Background(), doomed.ID))

	_, err = f.store.GetDocument(context.Background(), doomed.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.registry.Get(doomed.ID.Hex())
	require.ErrorIs(t, err, ErrNotFound)
	require.NoFileExists(t, doomed.FilePath)

	require.Eventually(t, func() bool {
		return !f.pipeline.InFlight(doomed.ID)
	}, 5*time.Second, 5*time.Millisecond)

	// The unrelated document still completes once the provider unblocks.
	close(emb.gate)
	waitForStatus(t, f.store, bystander.ID, models.StatusCompleted)

	// Nothing about the deleted document reappeared.
	_, err = f.store.GetDocument(context.Background(), doomed.ID)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = f.registry.Get(doomed.ID.Hex())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDocumentServiceReprocessRunsPipelineAgain(t *testing.T) {
	f := newDocumentServiceFixture(t, &fakeEmbedder{})

	doc, err := f.upload(t, "again.txt", "text/plain", strings.Repeat("reprocess body ", 25))
	require.NoError(t, err)
	waitForStatus(t, f.store, doc.ID, models.StatusCompleted)

	first, err := f.store.GetChunks(context.Background(), doc.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Reprocess(context.Background(), doc.ID))
	waitForStatus(t, f.store, doc.ID, models.StatusCompleted)

	second, err := f.store.GetChunks(context.Background(), doc.ID)
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	require.NotEqual(t, first[0].ChunkID, second[0].ChunkID)
}

package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	DocumentsProcessed metric.Int64Counter
	ProcessingDuration metric.Float64Histogram
	EmbeddingBatches   metric.Int64Counter
	ProviderRetries    metric.Int64Counter
	QALatency          metric.Float64Histogram
	RetrievedChunks    metric.Int64Histogram
	TokensUsed         metric.Int64Counter
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("docuquery-backend")

	documentsProcessed, err := meter.Int64Counter(
		"documents.processed.total",
		metric.WithDescription("Documents that finished processing, by outcome"),
	)
	if err != nil {
		return nil, err
	}

	processingDuration, err := meter.Float64Histogram(
		"documents.processing.duration",
		metric.WithDescription("Document processing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	embeddingBatches, err := meter.Int64Counter(
		"embeddings.batches.total",
		metric.WithDescription("Embedding batches sent to the provider"),
	)
	if err != nil {
		return nil, err
	}

	providerRetries, err := meter.Int64Counter(
		"provider.retries.total",
		metric.WithDescription("Transient provider failures that were retried"),
	)
	if err != nil {
		return nil, err
	}

	qaLatency, err := meter.Float64Histogram(
		"qa.latency",
		metric.WithDescription("End-to-end question answering latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	retrievedChunks, err := meter.Int64Histogram(
		"retrieval.chunks",
		metric.WithDescription("Chunks returned per retrieval"),
	)
	if err != nil {
		return nil, err
	}

	tokensUsed, err := meter.Int64Counter(
		"llm.tokens.used",
		metric.WithDescription("Total LLM tokens used"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		DocumentsProcessed: documentsProcessed,
		ProcessingDuration: processingDuration,
		EmbeddingBatches:   embeddingBatches,
		ProviderRetries:    providerRetries,
		QALatency:          qaLatency,
		RetrievedChunks:    retrievedChunks,
		TokensUsed:         tokensUsed,
	}, nil
}

// RecordProcessed records a finished document with its terminal status.
func (m *Metrics) RecordProcessed(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	m.DocumentsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.ProcessingDuration.Record(ctx, seconds)
}

// RecordQA records one answered question.
func (m *Metrics) RecordQA(ctx context.Context, seconds float64, chunks, tokens int) {
	if m == nil {
		return
	}
	m.QALatency.Record(ctx, seconds)
	m.RetrievedChunks.Record(ctx, int64(chunks))
	if tokens > 0 {
		m.TokensUsed.Add(ctx, int64(tokens))
	}
}

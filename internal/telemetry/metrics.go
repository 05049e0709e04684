package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all application metrics
type Metrics struct {
	RequestCounter    metric.Int64Counter
	RequestDuration   metric.Float64Histogram
	PagesFetched      metric.Int64Counter
	ChunksUpserted    metric.Int64Counter
	RetrievalDuration metric.Float64Histogram
}

// InitMetrics initializes all application metrics
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("guata-knowledge-pipeline")

	requestCounter, err := meter.Int64Counter(
		"http.requests.total",
		metric.WithDescription("Total HTTP requests"),
	)
	if err != nil {
		return nil, err
	}

	requestDuration, err := meter.Float64Histogram(
		"http.request.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	pagesFetched, err := meter.Int64Counter(
		"ingest.pages.fetched",
		metric.WithDescription("Pages fetched by ingestion runs"),
	)
	if err != nil {
		return nil, err
	}

	chunksUpserted, err := meter.Int64Counter(
		"ingest.chunks.upserted",
		metric.WithDescription("Chunks written to the index"),
	)
	if err != nil {
		return nil, err
	}

	retrievalDuration, err := meter.Float64Histogram(
		"retrieval.duration",
		metric.WithDescription("Retrieval request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		RequestCounter:    requestCounter,
		RequestDuration:   requestDuration,
		PagesFetched:      pagesFetched,
		ChunksUpserted:    chunksUpserted,
		RetrievalDuration: retrievalDuration,
	}, nil
}

// RecordRequest records HTTP request metrics
func (m *Metrics) RecordRequest(method, path, status string, duration float64) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.String("http.status", status),
	}

	m.RequestCounter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	m.RequestDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

// RecordIngestion records per-run ingestion counters
func (m *Metrics) RecordIngestion(tenant string, fetched, upserted int64) {
	attrs := []attribute.KeyValue{
		attribute.String("tenant", tenant),
	}

	m.PagesFetched.Add(context.Background(), fetched, metric.WithAttributes(attrs...))
	m.ChunksUpserted.Add(context.Background(), upserted, metric.WithAttributes(attrs...))
}

// RecordRetrieval records retrieval latency
func (m *Metrics) RecordRetrieval(tenant string, grounded bool, duration float64) {
	attrs := []attribute.KeyValue{
		attribute.String("tenant", tenant),
		attribute.Bool("retrieval.grounded", grounded),
	}

	m.RetrievalDuration.Record(context.Background(), duration, metric.WithAttributes(attrs...))
}

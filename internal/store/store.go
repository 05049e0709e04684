package store

import (
	"context"
	"errors"
	"time"

	"guata-knowledge-pipeline/models"
)

var (
	// ErrRunNotFound means no ingestion run exists with the given id.
	ErrRunNotFound = errors.New("ingestion run not found")

	// ErrDimensionMismatch means a vector does not match the store's
	// configured embedding dimension. Writes are rejected wholesale so
	// the index never ends up partially written.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// UpsertCounts splits a chunk batch into what actually changed.
type UpsertCounts struct {
	Upserted  int
	Unchanged int
}

// Store is the persistence contract for documents, chunks and
// ingestion runs. All reads and writes are tenant-scoped; no call ever
// returns another tenant's data.
type Store interface {
	// UpsertDocument records the current content hash for a URL and
	// returns the previous hash, empty when the URL is new.
	UpsertDocument(ctx context.Context, doc models.Document) (prevHash string, err error)

	// UpsertChunks writes a batch keyed by (tenant, content_hash,
	// chunk_index). All vectors are validated against the configured
	// dimension before anything is written.
	UpsertChunks(ctx context.Context, chunks []models.ChunkRecord) (UpsertCounts, error)

	// DeleteChunksByHash removes chunks for a content hash, sparing any
	// whose chunk index is listed in keepIndices. With no indices it
	// removes the hash wholesale, which is how superseded page versions
	// are cleaned up; with indices it prunes orphans left behind when a
	// page re-chunks into fewer pieces under the same hash.
	DeleteChunksByHash(ctx context.Context, tenant, contentHash string, keepIndices ...int) (int64, error)

	// ChunkCountByHash reports how many chunks exist for a hash.
	ChunkCountByHash(ctx context.Context, tenant, contentHash string) (int64, error)

	// SimilaritySearch returns the k nearest chunks for the tenant,
	// cosine similarity normalized to [0, 1], best first.
	SimilaritySearch(ctx context.Context, tenant string, vector []float32, k int) ([]models.ScoredChunk, error)

	// NewestDocument returns the most recent fetch time for a tenant.
	// The zero time means the tenant has no documents.
	NewestDocument(ctx context.Context, tenant string) (time.Time, error)

	// DeleteStaleDocuments removes documents last fetched before the
	// cutoff, along with their chunks.
	DeleteStaleDocuments(ctx context.Context, tenant string, cutoff time.Time) (int64, error)

	CreateRun(ctx context.Context, run *models.IngestionRun) error
	UpdateRun(ctx context.Context, run *models.IngestionRun) error
	GetRun(ctx context.Context, id string) (*models.IngestionRun, error)

	// ActiveRun returns the tenant's non-terminal run, or nil.
	ActiveRun(ctx context.Context, tenant string) (*models.IngestionRun, error)
}

package models

import (
	"fmt"
	"time"
)

// ChunkMetadata travels with every chunk so retrieval can cite and
// score without a second lookup.
type ChunkMetadata struct {
	SourceURL string    `bson:"source_url" json:"source_url"`
	Title     string    `bson:"title" json:"title"`
	FetchedAt time.Time `bson:"fetched_at" json:"fetched_at"`
	Tier      TrustTier `bson:"trust_tier" json:"trust_tier"`
}

// ChunkRecord is the atomic unit of indexing and retrieval. Uniqueness
// is (tenant, content_hash, chunk_index).
type ChunkRecord struct {
	Tenant      string        `bson:"tenant" json:"tenant"`
	ContentHash string        `bson:"content_hash" json:"content_hash"`
	ChunkIndex  int           `bson:"chunk_index" json:"chunk_index"`
	Text        string        `bson:"text" json:"text"`
	Vector      []float32     `bson:"vector,omitempty" json:"-"`
	Metadata    ChunkMetadata `bson:"metadata" json:"metadata"`
	UpdatedAt   time.Time     `bson:"updated_at" json:"updated_at"`
}

// Key is the canonical identity string for the chunk.
func (c *ChunkRecord) Key() string {
	return fmt.Sprintf("%s|%s|%d", c.Tenant, c.ContentHash, c.ChunkIndex)
}

// Document records the current content hash for a crawled URL. It is
// what makes orphan cleanup possible when a page changes.
type Document struct {
	Tenant      string    `bson:"tenant" json:"tenant"`
	URL         string    `bson:"url" json:"url"`
	Title       string    `bson:"title" json:"title"`
	ContentHash string    `bson:"content_hash" json:"content_hash"`
	ChunkCount  int       `bson:"chunk_count" json:"chunk_count"`
	Tier        TrustTier `bson:"trust_tier" json:"trust_tier"`
	FetchedAt   time.Time `bson:"last_fetched_at" json:"last_fetched_at"`
}

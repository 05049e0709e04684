package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/internal/store"
	"guata-knowledge-pipeline/models"
)

// ErrEmbedding wraps embedding failures that must abort the run, such
// as a provider returning vectors of the wrong dimension.
var ErrEmbedding = errors.New("embedding failed")

// Indexer embeds chunk batches and writes them to the store. Upserts
// are keyed by (tenant, content hash, chunk index): re-indexing
// unchanged content is a no-op, and a changed page supersedes its
// previous version atomically from the reader's point of view.
type Indexer struct {
	store    store.Store
	embedder ai.Embedder
}

func New(st store.Store, embedder ai.Embedder) *Indexer {
	return &Indexer{store: st, embedder: embedder}
}

// IndexPage persists one extracted page and its chunks. It returns how
// many chunks were written versus already current. When the page's
// content hash changed since the last crawl, the old hash's chunks are
// deleted before the new ones are inserted.
func (ix *Indexer) IndexPage(ctx context.Context, page *models.ExtractedPage, chunks []models.ChunkRecord) (store.UpsertCounts, error) {
	doc := models.Document{
		Tenant:      page.Tenant,
		URL:         page.URL,
		Title:       page.Title,
		ContentHash: page.ContentHash,
		ChunkCount:  len(chunks),
		Tier:        page.Tier,
		FetchedAt:   page.FetchedAt,
	}

	var prevHash string
	err := ix.withRetry(ctx, func() error {
		var err error
		prevHash, err = ix.store.UpsertDocument(ctx, doc)
		return err
	})
	if err != nil {
		return store.UpsertCounts{}, fmt.Errorf("recording document %s: %w", page.URL, err)
	}

	// Unchanged content whose chunks are all present needs no
	// re-embedding; this is the common case on refresh crawls.
	sameHash := prevHash == page.ContentHash
	if sameHash {
		existing, err := ix.store.ChunkCountByHash(ctx, page.Tenant, page.ContentHash)
		if err == nil && existing == int64(len(chunks)) {
			logger.Debug("content unchanged, skipping re-embed", "url", page.URL, "chunks", len(chunks))
			return store.UpsertCounts{Unchanged: len(chunks)}, nil
		}
	}

	if prevHash != "" && prevHash != page.ContentHash {
		err := ix.withRetry(ctx, func() error {
			_, err := ix.store.DeleteChunksByHash(ctx, page.Tenant, prevHash)
			return err
		})
		if err != nil {
			return store.UpsertCounts{}, fmt.Errorf("removing superseded chunks for %s: %w", page.URL, err)
		}
		logger.Info("page content changed, superseded old chunks", "url", page.URL, "old_hash", prevHash[:12])
	}

	for i := range chunks {
		vec, err := ix.embedder.Embed(ctx, chunks[i].Text)
		if err != nil {
			return store.UpsertCounts{}, fmt.Errorf("%w: chunk %d of %s: %w", ErrEmbedding, i, page.URL, err)
		}
		if len(vec) != ix.embedder.Dimension() {
			return store.UpsertCounts{}, fmt.Errorf("%w: %w", ErrEmbedding,
				&ai.DimensionError{Want: ix.embedder.Dimension(), Got: len(vec)})
		}
		chunks[i].Vector = vec
	}

	var counts store.UpsertCounts
	err = ix.withRetry(ctx, func() error {
		var err error
		counts, err = ix.store.UpsertChunks(ctx, chunks)
		return err
	})
	if err != nil {
		return store.UpsertCounts{}, fmt.Errorf("upserting chunks for %s: %w", page.URL, err)
	}

	// Same hash but a different chunk count means an earlier pass left
	// chunks at indices this pass no longer produces. Prune them so
	// retrieval never serves stale tail chunks.
	if sameHash {
		keep := make([]int, len(chunks))
		for i := range chunks {
			keep[i] = chunks[i].ChunkIndex
		}
		err := ix.withRetry(ctx, func() error {
			_, err := ix.store.DeleteChunksByHash(ctx, page.Tenant, page.ContentHash, keep...)
			return err
		})
		if err != nil {
			return counts, fmt.Errorf("pruning orphan chunks for %s: %w", page.URL, err)
		}
	}

	return counts, nil
}

// withRetry runs a store operation with bounded exponential backoff.
// Dimension mismatches are configuration errors and never retried.
func (ix *Indexer) withRetry(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second

	return backoff.Retry(func() error {
		err := op()
		if err != nil && errors.Is(err, store.ErrDimensionMismatch) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

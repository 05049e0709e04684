package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/internal/store"
	"guata-knowledge-pipeline/models"
)

// Options tune ranking and context assembly.
type Options struct {
	MinSimilarity      float64
	FreshnessWindow    time.Duration
	ContextTokenBudget int
	DefaultK           int
}

// Retriever answers questions with tenant-scoped, citation-backed
// context. Candidates are ranked by similarity * trust * recency; when
// nothing clears the similarity floor the result is explicitly
// ungrounded rather than padded with weak matches.
type Retriever struct {
	store    store.Store
	embedder ai.Embedder
	opts     Options
}

func New(st store.Store, embedder ai.Embedder, opts Options) *Retriever {
	if opts.DefaultK <= 0 {
		opts.DefaultK = 8
	}
	return &Retriever{store: st, embedder: embedder, opts: opts}
}

// Retrieve runs a similarity search for the tenant and assembles a
// token-budgeted context. Provider outages degrade to an ungrounded
// result; dimension mismatches are configuration errors and fail hard.
func (r *Retriever) Retrieve(ctx context.Context, tenant, query string, k int) (*models.RetrievalResult, error) {
	tracer := otel.Tracer("retriever")
	ctx, span := tracer.Start(ctx, "retriever.retrieve")
	defer span.End()

	span.SetAttributes(
		attribute.String("retrieval.tenant", tenant),
		attribute.Int("retrieval.query_tokens", ai.EstimateTokens(query)),
	)

	if k <= 0 {
		k = r.opts.DefaultK
	}

	ungrounded := &models.RetrievalResult{
		Tenant:   tenant,
		Query:    query,
		Grounded: false,
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		var dimErr *ai.DimensionError
		if errors.As(err, &dimErr) {
			return nil, fmt.Errorf("embedding query: %w", err)
		}
		logger.Warn("query embedding failed, returning ungrounded result", "tenant", tenant, "error", err.Error())
		span.SetAttributes(attribute.Bool("retrieval.embed_failed", true))
		return ungrounded, nil
	}

	// Over-fetch so re-ranking has something to reorder
	candidates, err := r.store.SimilaritySearch(ctx, tenant, queryVec, k*3)
	if err != nil {
		if errors.Is(err, store.ErrDimensionMismatch) {
			return nil, fmt.Errorf("similarity search: %w", err)
		}
		logger.Warn("similarity search failed, returning ungrounded result", "tenant", tenant, "error", err.Error())
		return ungrounded, nil
	}

	now := time.Now()
	var ranked []models.ScoredChunk
	for _, c := range candidates {
		if c.Similarity < r.opts.MinSimilarity {
			continue
		}
		c.Trust = c.Chunk.Metadata.Tier.Weight()
		c.Recency = recencyDecay(now.Sub(c.Chunk.Metadata.FetchedAt), r.opts.FreshnessWindow)
		c.Score = c.Similarity * c.Trust * c.Recency
		ranked = append(ranked, c)
	}

	span.SetAttributes(
		attribute.Int("retrieval.candidates", len(candidates)),
		attribute.Int("retrieval.above_floor", len(ranked)),
	)

	if len(ranked) == 0 {
		logger.Info("no grounded result", "tenant", tenant, "candidates", len(candidates))
		return ungrounded, nil
	}

	sort.Slice(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	contextText, citations, used := r.buildContext(ranked)

	result := &models.RetrievalResult{
		Tenant:      tenant,
		Query:       query,
		Grounded:    true,
		ContextText: contextText,
		Citations:   citations,
		Confidence:  confidence(used),
		Chunks:      used,
	}

	span.SetAttributes(
		attribute.Int("retrieval.chunks_used", len(used)),
		attribute.Float64("retrieval.confidence", result.Confidence),
	)
	return result, nil
}

// buildContext concatenates chunks best-first until the token budget
// is spent. Each chunk is prefixed with its source so the consumer can
// attribute statements; citations are deduplicated by URL.
func (r *Retriever) buildContext(ranked []models.ScoredChunk) (string, []models.Citation, []models.ScoredChunk) {
	var sb strings.Builder
	var citations []models.Citation
	var used []models.ScoredChunk
	seenURL := make(map[string]struct{})
	budget := r.opts.ContextTokenBudget

	for _, c := range ranked {
		entry := fmt.Sprintf("Fonte: %s (%s)\n%s\n\n", c.Chunk.Metadata.Title, c.Chunk.Metadata.SourceURL, c.Chunk.Text)
		cost := ai.EstimateTokens(entry)
		if cost > budget && len(used) > 0 {
			break
		}
		sb.WriteString(entry)
		budget -= cost
		used = append(used, c)

		url := c.Chunk.Metadata.SourceURL
		if _, dup := seenURL[url]; !dup {
			seenURL[url] = struct{}{}
			citations = append(citations, models.Citation{URL: url, Title: c.Chunk.Metadata.Title})
		}
		if budget <= 0 {
			break
		}
	}

	return strings.TrimSpace(sb.String()), citations, used
}

// recencyDecay down-weights stale content without excluding it. Full
// weight inside the freshness window, then a gradual slide with a
// floor at 0.5.
func recencyDecay(age, window time.Duration) float64 {
	if window <= 0 || age <= window {
		return 1.0
	}
	decay := float64(window) / float64(age)
	if decay < 0.5 {
		return 0.5
	}
	return decay
}

// confidence is the mean similarity of the used chunks, with a bonus
// when official sources back the answer, capped at 0.95.
func confidence(used []models.ScoredChunk) float64 {
	if len(used) == 0 {
		return 0
	}

	var sum float64
	official := false
	for _, c := range used {
		sum += c.Similarity
		if c.Chunk.Metadata.Tier == models.TrustTierHigh {
			official = true
		}
	}

	conf := sum / float64(len(used))
	if official {
		conf += 0.2
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

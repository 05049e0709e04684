package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/models"
)

// MemoryStore is an in-process Store for tests and local development
// without MongoDB. It enforces the same dimension and tenant
// invariants as the Mongo implementation.
type MemoryStore struct {
	mu     sync.RWMutex
	dim    int
	docs   map[string]models.Document     // tenant|url
	chunks map[string]models.ChunkRecord  // tenant|hash|index
	runs   map[string]models.IngestionRun // run id
}

func NewMemoryStore(dim int) *MemoryStore {
	return &MemoryStore{
		dim:    dim,
		docs:   make(map[string]models.Document),
		chunks: make(map[string]models.ChunkRecord),
		runs:   make(map[string]models.IngestionRun),
	}
}

func docKey(tenant, url string) string {
	return tenant + "|" + url
}

func (m *MemoryStore) UpsertDocument(ctx context.Context, doc models.Document) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := docKey(doc.Tenant, doc.URL)
	prev := ""
	if existing, ok := m.docs[key]; ok {
		prev = existing.ContentHash
	}
	m.docs[key] = doc
	return prev, nil
}

func (m *MemoryStore) UpsertChunks(ctx context.Context, chunks []models.ChunkRecord) (UpsertCounts, error) {
	// Validate the whole batch before touching state
	for _, c := range chunks {
		if len(c.Vector) != m.dim {
			return UpsertCounts{}, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, m.dim, len(c.Vector))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var counts UpsertCounts
	for _, c := range chunks {
		key := c.Key()
		if existing, ok := m.chunks[key]; ok && existing.Text == c.Text && vectorsEqual(existing.Vector, c.Vector) {
			counts.Unchanged++
			continue
		}
		m.chunks[key] = c
		counts.Upserted++
	}
	return counts, nil
}

func (m *MemoryStore) DeleteChunksByHash(ctx context.Context, tenant, contentHash string, keepIndices ...int) (int64, error) {
	keep := make(map[int]bool, len(keepIndices))
	for _, idx := range keepIndices {
		keep[idx] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, c := range m.chunks {
		if c.Tenant == tenant && c.ContentHash == contentHash && !keep[c.ChunkIndex] {
			delete(m.chunks, key)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MemoryStore) ChunkCountByHash(ctx context.Context, tenant, contentHash string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, c := range m.chunks {
		if c.Tenant == tenant && c.ContentHash == contentHash {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SimilaritySearch(ctx context.Context, tenant string, vector []float32, k int) ([]models.ScoredChunk, error) {
	if len(vector) != m.dim {
		return nil, fmt.Errorf("%w: want %d, got %d", ErrDimensionMismatch, m.dim, len(vector))
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []models.ScoredChunk
	for _, c := range m.chunks {
		if c.Tenant != tenant || len(c.Vector) == 0 {
			continue
		}
		results = append(results, models.ScoredChunk{
			Chunk:      c,
			Similarity: ai.CosineSimilarity(vector, c.Vector),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *MemoryStore) NewestDocument(ctx context.Context, tenant string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var newest time.Time
	for _, d := range m.docs {
		if d.Tenant == tenant && d.FetchedAt.After(newest) {
			newest = d.FetchedAt
		}
	}
	return newest, nil
}

func (m *MemoryStore) DeleteStaleDocuments(ctx context.Context, tenant string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, d := range m.docs {
		if d.Tenant != tenant || !d.FetchedAt.Before(cutoff) {
			continue
		}
		delete(m.docs, key)
		deleted++
		for ckey, c := range m.chunks {
			if c.Tenant == tenant && c.ContentHash == d.ContentHash {
				delete(m.chunks, ckey)
			}
		}
	}
	return deleted, nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *models.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *models.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*models.IngestionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (m *MemoryStore) ActiveRun(ctx context.Context, tenant string) (*models.IngestionRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, run := range m.runs {
		if run.Tenant == tenant && !run.Terminal() {
			r := run
			return &r, nil
		}
	}
	return nil, nil
}

// ChunkCount is a test helper: total chunks stored for a tenant.
func (m *MemoryStore) ChunkCount(tenant string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.chunks {
		if c.Tenant == tenant {
			n++
		}
	}
	return n
}

func vectorsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

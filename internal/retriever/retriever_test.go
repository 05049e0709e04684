package retriever

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/internal/store"
	"guata-knowledge-pipeline/models"
)

const testDim = 64

func seedChunk(t *testing.T, st *store.MemoryStore, e ai.Embedder, tenant, hash, url, text string, tier models.TrustTier, fetchedAt time.Time) {
	t.Helper()
	vec, err := e.Embed(context.Background(), text)
	if err != nil {
		t.Fatal(err)
	}
	_, err = st.UpsertChunks(context.Background(), []models.ChunkRecord{{
		Tenant:      tenant,
		ContentHash: hash,
		ChunkIndex:  0,
		Text:        text,
		Vector:      vec,
		Metadata: models.ChunkMetadata{
			SourceURL: url,
			Title:     "Página " + hash,
			FetchedAt: fetchedAt,
			Tier:      tier,
		},
		UpdatedAt: fetchedAt,
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func defaultOptions() Options {
	return Options{
		MinSimilarity:      0.6,
		FreshnessWindow:    180 * 24 * time.Hour,
		ContextTokenBudget: 3000,
		DefaultK:           8,
	}
}

func TestRetrieveGroundedWithCitations(t *testing.T) {
	st := store.NewMemoryStore(testDim)
	e := ai.NewLocalEmbedder(testDim)
	question := "quais passeios de flutuação existem em bonito"
	seedChunk(t, st, e, "ms", "h1", "https://turismo.ms.gov.br/bonito", question, models.TrustTierHigh, time.Now())

	r := New(st, e, defaultOptions())
	result, err := r.Retrieve(context.Background(), "ms", question, 5)
	if err != nil {
		t.Fatal(err)
	}

	if !result.Grounded {
		t.Fatal("expected grounded result for matching content")
	}
	if len(result.Citations) != 1 || result.Citations[0].URL != "https://turismo.ms.gov.br/bonito" {
		t.Errorf("citations = %+v", result.Citations)
	}
	if !strings.Contains(result.ContextText, "Fonte:") {
		t.Error("context missing source attribution")
	}
	if result.Confidence != 0.95 {
		t.Errorf("confidence = %f, want capped 0.95 for an exact official match", result.Confidence)
	}
}

func TestRetrieveUngroundedBelowFloor(t *testing.T) {
	st := store.NewMemoryStore(testDim)
	e := ai.NewLocalEmbedder(testDim)
	seedChunk(t, st, e, "ms", "h1", "https://example.com/a", "calendário de vacinação contra a gripe", models.TrustTierLow, time.Now())

	opts := defaultOptions()
	opts.MinSimilarity = 0.95
	r := New(st, e, opts)

	result, err := r.Retrieve(context.Background(), "ms", "melhores trilhas para pedalar na serra", 5)
	if err != nil {
		t.Fatal(err)
	}
	if result.Grounded {
		t.Error("unrelated content should not ground an answer")
	}
	if result.ContextText != "" || len(result.Citations) != 0 {
		t.Error("ungrounded result carries context or citations")
	}
}

func TestRetrieveTenantIsolation(t *testing.T) {
	st := store.NewMemoryStore(testDim)
	e := ai.NewLocalEmbedder(testDim)
	question := "onde fica o aquário do pantanal"
	seedChunk(t, st, e, "outro-tenant", "h1", "https://example.com/a", question, models.TrustTierHigh, time.Now())

	r := New(st, e, defaultOptions())
	result, err := r.Retrieve(context.Background(), "ms", question, 5)
	if err != nil {
		t.Fatal(err)
	}
	if result.Grounded {
		t.Error("result grounded on another tenant's content")
	}
}

func TestRetrieveTrustOrdering(t *testing.T) {
	st := store.NewMemoryStore(testDim)
	e := ai.NewLocalEmbedder(testDim)
	question := "programação do festival de inverno"
	now := time.Now()
	seedChunk(t, st, e, "ms", "blog", "https://blog.example.com/festival", question, models.TrustTierLow, now)
	seedChunk(t, st, e, "ms", "oficial", "https://fundtur.ms.gov.br/festival", question, models.TrustTierHigh, now)

	r := New(st, e, defaultOptions())
	result, err := r.Retrieve(context.Background(), "ms", question, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(result.Chunks))
	}
	if result.Chunks[0].Chunk.Metadata.Tier != models.TrustTierHigh {
		t.Error("official source not ranked first at equal similarity")
	}
	if result.Chunks[0].Score <= result.Chunks[1].Score {
		t.Errorf("scores not ordered: %f vs %f", result.Chunks[0].Score, result.Chunks[1].Score)
	}
}

func TestRetrieveTokenBudget(t *testing.T) {
	st := store.NewMemoryStore(testDim)
	e := ai.NewLocalEmbedder(testDim)
	question := "roteiros de pesca esportiva no rio paraguai"
	long := strings.TrimSpace(strings.Repeat(question+" ", 30))
	seedChunk(t, st, e, "ms", "h1", "https://example.com/a", long, models.TrustTierHigh, time.Now())
	seedChunk(t, st, e, "ms", "h2", "https://example.com/b", long, models.TrustTierHigh, time.Now())

	opts := defaultOptions()
	opts.ContextTokenBudget = 50
	r := New(st, e, opts)

	result, err := r.Retrieve(context.Background(), "ms", question, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Grounded {
		t.Fatal("expected grounded result")
	}
	// The best chunk is always included, the rest must respect the budget
	if len(result.Chunks) != 1 {
		t.Errorf("context holds %d chunks, budget allows only the first", len(result.Chunks))
	}
}

func TestRecencyDecay(t *testing.T) {
	window := 30 * 24 * time.Hour

	if d := recencyDecay(10*24*time.Hour, window); d != 1.0 {
		t.Errorf("inside window = %f, want 1.0", d)
	}
	if d := recencyDecay(45*24*time.Hour, window); d <= 0.5 || d >= 1.0 {
		t.Errorf("moderately stale = %f, want between 0.5 and 1.0", d)
	}
	if d := recencyDecay(365*24*time.Hour, window); d != 0.5 {
		t.Errorf("very stale = %f, want floor of 0.5", d)
	}
	if d := recencyDecay(time.Hour, 0); d != 1.0 {
		t.Errorf("disabled window = %f, want 1.0", d)
	}
}

type failingEmbedder struct {
	err error
}

func (f failingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, f.err
}
func (f failingEmbedder) Dimension() int { return testDim }

func TestRetrieveProviderOutageDegrades(t *testing.T) {
	st := store.NewMemoryStore(testDim)
	r := New(st, failingEmbedder{err: errors.New("upstream unavailable")}, defaultOptions())

	result, err := r.Retrieve(context.Background(), "ms", "qualquer pergunta", 5)
	if err != nil {
		t.Fatalf("provider outage should degrade, got error: %v", err)
	}
	if result.Grounded {
		t.Error("result grounded without an embedding")
	}
}

func TestRetrieveDimensionMismatchFailsHard(t *testing.T) {
	st := store.NewMemoryStore(testDim)
	r := New(st, failingEmbedder{err: &ai.DimensionError{Want: testDim, Got: 16}}, defaultOptions())

	if _, err := r.Retrieve(context.Background(), "ms", "qualquer pergunta", 5); err == nil {
		t.Error("dimension mismatch must be a hard error")
	}
}

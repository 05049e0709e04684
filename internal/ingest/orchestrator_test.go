package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/internal/config"
	"guata-knowledge-pipeline/internal/crawler"
	"guata-knowledge-pipeline/internal/store"
	"guata-knowledge-pipeline/models"
)

func testConfig() *config.Config {
	return &config.Config{
		MaxDepth:           2,
		BudgetPages:        20,
		PolitenessDelay:    0,
		FetchTimeout:       time.Second,
		FetchRetries:       0,
		RetryBaseDelay:     time.Millisecond,
		BreakerThreshold:   5,
		FetchWorkers:       2,
		MinContentLength:   20,
		MaxChunkTokens:     120,
		ChunkOverlapTokens: 10,
		MinChunkTokens:     10,
		RefreshInterval:    24 * time.Hour,
		StaleAfter:         30 * 24 * time.Hour,
	}
}

func testSeeds() *config.SeedConfig {
	return &config.SeedConfig{
		Tenants: map[string]config.TenantSeeds{
			"ms": {
				Seeds:   []string{"https://turismo.test"},
				Domains: map[string]string{"turismo.test": "high"},
				Allow:   []string{"blog.test"},
			},
		},
	}
}

// htmlPage builds a minimal page whose body text clears the extraction
// threshold and links out to the given URLs.
func htmlPage(title, body string, links ...string) string {
	var sb strings.Builder
	sb.WriteString("<html><head><title>" + title + "</title></head><body><main>")
	sb.WriteString("<h1>" + title + "</h1><p>" + body + "</p>")
	for _, l := range links {
		sb.WriteString(`<a href="` + l + `">link</a>`)
	}
	sb.WriteString("</main></body></html>")
	return sb.String()
}

// stubFetcher serves scripted pages keyed by normalized URL. Unknown
// URLs return a 404.
type stubFetcher struct {
	mu        sync.Mutex
	pages     map[string]string
	errs      map[string]error
	errOnce   map[string]error
	hits      map[string]int
	fetchWait time.Duration
}

func newStubFetcher(pages map[string]string) *stubFetcher {
	return &stubFetcher{
		pages:   pages,
		errs:    make(map[string]error),
		errOnce: make(map[string]error),
		hits:    make(map[string]int),
	}
}

func (s *stubFetcher) Fetch(ctx context.Context, rawURL string) (*models.FetchResult, error) {
	if s.fetchWait > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.fetchWait):
		}
	}

	s.mu.Lock()
	s.hits[rawURL]++
	if err, ok := s.errOnce[rawURL]; ok {
		delete(s.errOnce, rawURL)
		s.mu.Unlock()
		return nil, err
	}
	if err, ok := s.errs[rawURL]; ok {
		s.mu.Unlock()
		return nil, err
	}
	body, ok := s.pages[rawURL]
	s.mu.Unlock()

	if !ok {
		return nil, &crawler.HTTPError{StatusCode: 404}
	}
	return &models.FetchResult{
		URL:         rawURL,
		StatusCode:  200,
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
		FetchedAt:   time.Now(),
	}, nil
}

func (s *stubFetcher) hitCount(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[url]
}

func newTestOrchestrator(st store.Store, fetcher Fetcher, cfg *config.Config) *Orchestrator {
	o := New(cfg, testSeeds(), st, ai.NewLocalEmbedder(64))
	o.FetcherFactory = func(models.CrawlOptions) Fetcher { return fetcher }
	return o
}

const longBody = "O turismo de natureza em Mato Grosso do Sul combina trilhas, rios de águas claras e observação de fauna durante o ano inteiro."

func TestRunCompletesWithCounts(t *testing.T) {
	pages := map[string]string{
		"https://turismo.test/": htmlPage("Portal", longBody,
			"https://turismo.test/bonito",
			"https://turismo.test/pantanal",
			"https://blog.test/roteiro",
			"https://evil.test/spam"),
		"https://turismo.test/bonito":   htmlPage("Bonito", longBody),
		"https://turismo.test/pantanal": htmlPage("Pantanal", longBody),
		"https://blog.test/roteiro":     htmlPage("Roteiro", longBody),
	}
	st := store.NewMemoryStore(64)
	fetcher := newStubFetcher(pages)
	o := newTestOrchestrator(st, fetcher, testConfig())

	run, err := o.Run(context.Background(), "ms")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if run.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s (error %q), want completed", run.Status, run.Error)
	}
	if run.Counts.Discovered != 4 {
		t.Errorf("discovered = %d, want 4 (seed, two internal links, one allowed external)", run.Counts.Discovered)
	}
	if run.Counts.Extracted != 4 {
		t.Errorf("extracted = %d, want 4", run.Counts.Extracted)
	}
	if run.Counts.Chunked < 4 || run.Counts.Upserted < 4 {
		t.Errorf("chunked = %d, upserted = %d, want at least one chunk per page", run.Counts.Chunked, run.Counts.Upserted)
	}
	if run.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal run")
	}
	if got := fetcher.hitCount("https://evil.test/spam"); got != 0 {
		t.Errorf("disallowed domain fetched %d times", got)
	}

	if n := st.ChunkCount("ms"); n != run.Counts.Upserted {
		t.Errorf("store holds %d chunks, run reported %d upserts", n, run.Counts.Upserted)
	}
}

func TestSecondRunOverUnchangedContentUpsertsNothing(t *testing.T) {
	pages := map[string]string{
		"https://turismo.test/": htmlPage("Portal", longBody,
			"https://turismo.test/bonito"),
		"https://turismo.test/bonito": htmlPage("Bonito", longBody),
	}
	st := store.NewMemoryStore(64)
	o := newTestOrchestrator(st, newStubFetcher(pages), testConfig())

	first, err := o.Run(context.Background(), "ms")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != models.RunStatusCompleted {
		t.Fatalf("first run status = %s, want completed", first.Status)
	}
	if first.Counts.Upserted == 0 {
		t.Fatal("first run wrote no chunks")
	}

	second, err := o.Run(context.Background(), "ms")
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != models.RunStatusCompleted {
		t.Fatalf("second run status = %s (error %q), want completed", second.Status, second.Error)
	}
	if second.Counts.Upserted != 0 {
		t.Errorf("second run over unchanged content upserted %d chunks, want 0", second.Counts.Upserted)
	}
	if second.Counts.Unchanged != first.Counts.Upserted {
		t.Errorf("unchanged = %d, want %d (every chunk of the first run)", second.Counts.Unchanged, first.Counts.Upserted)
	}
	if n := st.ChunkCount("ms"); n != first.Counts.Upserted {
		t.Errorf("store holds %d chunks after refresh, want %d", n, first.Counts.Upserted)
	}
}

func TestRunRespectsBudget(t *testing.T) {
	var links []string
	pages := map[string]string{}
	for i := 0; i < 15; i++ {
		url := fmt.Sprintf("https://turismo.test/p%02d", i)
		links = append(links, url)
		pages[url] = htmlPage(fmt.Sprintf("Página %d", i), longBody)
	}
	pages["https://turismo.test/"] = htmlPage("Portal", longBody, links...)

	cfg := testConfig()
	cfg.BudgetPages = 5
	st := store.NewMemoryStore(64)
	o := newTestOrchestrator(st, newStubFetcher(pages), cfg)

	run, err := o.Run(context.Background(), "ms")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if run.Counts.Discovered != 5 {
		t.Errorf("discovered = %d, want exactly the budget of 5", run.Counts.Discovered)
	}
}

func TestStartRunUnknownTenant(t *testing.T) {
	o := newTestOrchestrator(store.NewMemoryStore(64), newStubFetcher(nil), testConfig())
	if _, err := o.StartRun(context.Background(), "nope"); !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("error = %v, want ErrUnknownTenant", err)
	}
}

func TestStartRunSerializedPerTenant(t *testing.T) {
	o := newTestOrchestrator(store.NewMemoryStore(64), newStubFetcher(nil), testConfig())
	ctx := context.Background()

	first, err := o.StartRun(ctx, "ms")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != models.RunStatusPending {
		t.Errorf("new run status = %s, want pending", first.Status)
	}

	if _, err := o.StartRun(ctx, "ms"); !errors.Is(err, ErrRunInProgress) {
		t.Errorf("second StartRun error = %v, want ErrRunInProgress", err)
	}
}

func TestRunCancellation(t *testing.T) {
	pages := map[string]string{
		"https://turismo.test/": htmlPage("Portal", longBody),
	}
	fetcher := newStubFetcher(pages)
	fetcher.fetchWait = 200 * time.Millisecond
	st := store.NewMemoryStore(64)
	o := newTestOrchestrator(st, fetcher, testConfig())

	run, err := o.StartRun(context.Background(), "ms")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.ExecuteRun(ctx, run.ID) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ExecuteRun returned %v after cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ExecuteRun did not return after cancellation")
	}

	got, err := st.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunStatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestRunRateLimitedTargetRequeued(t *testing.T) {
	pages := map[string]string{
		"https://turismo.test/": htmlPage("Portal", longBody),
	}
	fetcher := newStubFetcher(pages)
	fetcher.errOnce["https://turismo.test/"] = &crawler.RateLimitedError{RetryAfter: 10 * time.Millisecond}

	st := store.NewMemoryStore(64)
	o := newTestOrchestrator(st, fetcher, testConfig())

	run, err := o.Run(context.Background(), "ms")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s (error %q), want completed", run.Status, run.Error)
	}
	if got := fetcher.hitCount("https://turismo.test/"); got != 2 {
		t.Errorf("rate limited page fetched %d times, want 2 (initial plus requeue)", got)
	}
	if run.Counts.Extracted != 1 {
		t.Errorf("extracted = %d, want 1", run.Counts.Extracted)
	}
}

func TestRunFailsWhenNothingExtracted(t *testing.T) {
	// Seed exists but every fetch 404s
	st := store.NewMemoryStore(64)
	o := newTestOrchestrator(st, newStubFetcher(nil), testConfig())

	run, err := o.Run(context.Background(), "ms")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunStatusFailed {
		t.Fatalf("status = %s, want failed", run.Status)
	}
	if len(run.DomainErrors) == 0 {
		t.Error("failed fetches not recorded per domain")
	}
}

type badDimEmbedder struct{}

func (badDimEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, 16), nil
}
func (badDimEmbedder) Dimension() int { return 64 }

func TestRunDimensionMismatchIsFatal(t *testing.T) {
	pages := map[string]string{
		"https://turismo.test/": htmlPage("Portal", longBody),
	}
	st := store.NewMemoryStore(64)
	o := New(testConfig(), testSeeds(), st, badDimEmbedder{})
	o.FetcherFactory = func(models.CrawlOptions) Fetcher { return newStubFetcher(pages) }

	run, _ := o.Run(context.Background(), "ms")
	if run == nil {
		t.Fatal("no run returned")
	}
	got, err := st.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunStatusFailed {
		t.Errorf("status = %s, want failed on embedding dimension mismatch", got.Status)
	}
	if got.Error == "" {
		t.Error("failed run has no error message")
	}
}

func TestExecuteRunTerminalIsNoop(t *testing.T) {
	pages := map[string]string{
		"https://turismo.test/": htmlPage("Portal", longBody),
	}
	fetcher := newStubFetcher(pages)
	st := store.NewMemoryStore(64)
	o := newTestOrchestrator(st, fetcher, testConfig())

	run, err := o.Run(context.Background(), "ms")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != models.RunStatusCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}

	hitsBefore := fetcher.hitCount("https://turismo.test/")
	if err := o.ExecuteRun(context.Background(), run.ID); err != nil {
		t.Fatalf("re-execute returned %v", err)
	}
	if got := fetcher.hitCount("https://turismo.test/"); got != hitsBefore {
		t.Error("terminal run was executed again")
	}
}

func TestRefreshNeeded(t *testing.T) {
	st := store.NewMemoryStore(64)
	o := newTestOrchestrator(st, newStubFetcher(nil), testConfig())
	ctx := context.Background()

	needed, err := o.RefreshNeeded(ctx, "ms")
	if err != nil {
		t.Fatal(err)
	}
	if !needed {
		t.Error("empty tenant should need a refresh")
	}

	st.UpsertDocument(ctx, models.Document{Tenant: "ms", URL: "https://turismo.test/", ContentHash: "h", FetchedAt: time.Now()})
	if needed, _ = o.RefreshNeeded(ctx, "ms"); needed {
		t.Error("freshly crawled tenant should not need a refresh")
	}

	st.UpsertDocument(ctx, models.Document{Tenant: "old", URL: "https://turismo.test/", ContentHash: "h", FetchedAt: time.Now().Add(-48 * time.Hour)})
	if needed, _ = o.RefreshNeeded(ctx, "old"); !needed {
		t.Error("stale tenant should need a refresh")
	}
}

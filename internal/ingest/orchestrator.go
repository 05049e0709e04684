package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/internal/config"
	"guata-knowledge-pipeline/internal/crawler"
	"guata-knowledge-pipeline/internal/index"
	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/internal/store"
	"guata-knowledge-pipeline/internal/telemetry"
	"guata-knowledge-pipeline/models"
	"guata-knowledge-pipeline/services"
)

var (
	// ErrUnknownTenant means the tenant has no seed configuration.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrRunInProgress means the tenant already has an active run.
	// Runs are serialized per tenant.
	ErrRunInProgress = errors.New("ingestion run already in progress")
)

// Fetcher is the page retrieval dependency of a run. Satisfied by
// crawler.Fetcher; tests substitute their own.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*models.FetchResult, error)
}

// Orchestrator drives ingestion runs through their lifecycle:
// Pending -> Discovering -> Extracting -> Indexing -> Completed, with
// Failed and Cancelled as the other terminal states. One run at a time
// per tenant; pages flow through fetch, extract and index stages over
// bounded channels.
type Orchestrator struct {
	cfg     *config.Config
	seeds   *config.SeedConfig
	store   store.Store
	chunker *services.ChunkingService
	indexer *index.Indexer

	// FetcherFactory builds the fetcher for each run, so robots and
	// breaker caches start fresh. Tests replace it with a stub.
	FetcherFactory func(models.CrawlOptions) Fetcher

	// Metrics, when set, receives per-run counters on completion.
	Metrics *telemetry.Metrics

	active sync.Map
}

func New(cfg *config.Config, seeds *config.SeedConfig, st store.Store, embedder ai.Embedder) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		seeds:   seeds,
		store:   st,
		chunker: services.NewChunkingService(cfg.MaxChunkTokens, cfg.ChunkOverlapTokens, cfg.MinChunkTokens),
		indexer: index.New(st, embedder),
		FetcherFactory: func(opts models.CrawlOptions) Fetcher {
			return crawler.NewFetcher(opts)
		},
	}
}

// StartRun creates a Pending run for the tenant. It does not execute
// the pipeline; that happens in ExecuteRun, usually on a worker.
func (o *Orchestrator) StartRun(ctx context.Context, tenant string) (*models.IngestionRun, error) {
	if _, ok := o.seeds.Tenant(tenant); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenant)
	}

	if active, err := o.store.ActiveRun(ctx, tenant); err != nil {
		return nil, fmt.Errorf("checking active run: %w", err)
	} else if active != nil {
		return nil, fmt.Errorf("%w: run %s", ErrRunInProgress, active.ID)
	}

	run := &models.IngestionRun{
		ID:        uuid.NewString(),
		Tenant:    tenant,
		Status:    models.RunStatusPending,
		StartedAt: time.Now(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	logger.Info("ingestion run created", "run_id", run.ID, "tenant", tenant)
	return run, nil
}

// ExecuteRun runs the crawl pipeline for a previously created run.
// Re-executing a terminal run is a no-op. Cancelling ctx drains
// in-flight fetches and marks the run Cancelled with its partial
// counts preserved.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string) error {
	tracer := otel.Tracer("ingest-orchestrator")
	ctx, span := tracer.Start(ctx, "ingest.execute_run")
	defer span.End()

	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		logger.Warn("run already terminal, skipping", "run_id", runID, "status", run.Status)
		return nil
	}

	span.SetAttributes(
		attribute.String("ingest.run_id", run.ID),
		attribute.String("ingest.tenant", run.Tenant),
	)

	if _, loaded := o.active.LoadOrStore(run.Tenant, run.ID); loaded {
		return fmt.Errorf("%w: tenant %s", ErrRunInProgress, run.Tenant)
	}
	defer o.active.Delete(run.Tenant)

	ts, ok := o.seeds.Tenant(run.Tenant)
	if !ok {
		return o.finishRun(run, nil, fmt.Errorf("%w: %s", ErrUnknownTenant, run.Tenant))
	}

	o.transition(run, models.RunStatusDiscovering)
	fatalErr := o.pipeline(ctx, run, ts)
	return o.finishRun(run, ctx.Err(), fatalErr)
}

// Run creates and immediately executes a run. Used by the refresh
// scheduler and local tooling.
func (o *Orchestrator) Run(ctx context.Context, tenant string) (*models.IngestionRun, error) {
	run, err := o.StartRun(ctx, tenant)
	if err != nil {
		return nil, err
	}
	if err := o.ExecuteRun(ctx, run.ID); err != nil {
		return run, err
	}
	return o.store.GetRun(ctx, run.ID)
}

// RefreshNeeded reports whether the tenant's newest document is older
// than the refresh interval. Fresh tenants skip scheduled recrawls.
func (o *Orchestrator) RefreshNeeded(ctx context.Context, tenant string) (bool, error) {
	newest, err := o.store.NewestDocument(ctx, tenant)
	if err != nil {
		return false, err
	}
	if newest.IsZero() {
		return true, nil
	}
	return time.Since(newest) > o.cfg.RefreshInterval, nil
}

type fetchItem struct {
	target  models.CrawlTarget
	fetched *models.FetchResult
}

func (o *Orchestrator) pipeline(ctx context.Context, run *models.IngestionRun, ts config.TenantSeeds) error {
	opts := models.CrawlOptions{
		MaxDepth:         o.cfg.MaxDepth,
		BudgetPages:      o.cfg.BudgetPages,
		PolitenessDelay:  o.cfg.PolitenessDelay,
		FetchTimeout:     o.cfg.FetchTimeout,
		FetchRetries:     o.cfg.FetchRetries,
		RetryBaseDelay:   o.cfg.RetryBaseDelay,
		BreakerThreshold: o.cfg.BreakerThreshold,
		FetchWorkers:     o.cfg.FetchWorkers,
		MinContentLength: o.cfg.MinContentLength,
		UserAgent:        o.cfg.UserAgent,
	}

	frontier := crawler.NewFrontier(opts)
	fetcher := o.FetcherFactory(opts)
	extractor := crawler.NewExtractor(opts.MinContentLength)

	for _, seed := range ts.Seeds {
		frontier.Enqueue(models.CrawlTarget{
			URL:    seed,
			Tenant: run.Tenant,
			Depth:  0,
			Tier:   ts.TierFor(hostname(seed)),
		})
	}

	pipeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stats := newRunStats()
	var (
		fatalMu  sync.Mutex
		fatalErr error
	)
	fail := func(err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalErr = err
		}
		fatalMu.Unlock()
		cancel()
	}

	extractCh := make(chan fetchItem, opts.FetchWorkers*2)
	indexCh := make(chan *models.ExtractedPage, opts.FetchWorkers*2)

	// Pages fetched but whose outlinks are not yet in the frontier.
	// Keeps fetch workers from declaring the crawl finished early.
	var pendingExtract atomic.Int64

	var fetchWg sync.WaitGroup
	for i := 0; i < opts.FetchWorkers; i++ {
		fetchWg.Add(1)
		go func() {
			defer fetchWg.Done()
			o.fetchLoop(pipeCtx, frontier, fetcher, stats, extractCh, &pendingExtract)
		}()
	}

	var extractWg sync.WaitGroup
	for i := 0; i < 2; i++ {
		extractWg.Add(1)
		go func() {
			defer extractWg.Done()
			o.extractLoop(pipeCtx, frontier, extractor, ts, stats, extractCh, indexCh, &pendingExtract)
		}()
	}

	var indexWg sync.WaitGroup
	indexWg.Add(1)
	go func() {
		defer indexWg.Done()
		o.indexLoop(pipeCtx, stats, indexCh, fail)
	}()

	fetchWg.Wait()
	close(extractCh)
	o.transition(run, models.RunStatusExtracting)

	extractWg.Wait()
	close(indexCh)
	o.transition(run, models.RunStatusIndexing)

	indexWg.Wait()

	run.Counts = stats.result()
	run.Counts.Discovered = frontier.Dequeued()
	run.DomainErrors = stats.domainErrors()

	fatalMu.Lock()
	defer fatalMu.Unlock()
	return fatalErr
}

func (o *Orchestrator) fetchLoop(ctx context.Context, frontier *crawler.Frontier, fetcher Fetcher, stats *runStats, out chan<- fetchItem, pending *atomic.Int64) {
	for {
		if ctx.Err() != nil {
			return
		}

		target, ok := frontier.Next(time.Now())
		if !ok {
			if frontier.Done() && pending.Load() == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(25 * time.Millisecond):
			}
			continue
		}

		fetched, err := fetcher.Fetch(ctx, target.URL)
		frontier.Release(target.URL)

		if err != nil {
			o.handleFetchError(frontier, stats, target, err)
			continue
		}

		pending.Add(1)
		select {
		case out <- fetchItem{target: target, fetched: fetched}:
		case <-ctx.Done():
			pending.Add(-1)
			return
		}
	}
}

func (o *Orchestrator) handleFetchError(frontier *crawler.Frontier, stats *runStats, target models.CrawlTarget, err error) {
	domain := hostname(target.URL)

	var rateLimited *crawler.RateLimitedError
	switch {
	case errors.As(err, &rateLimited):
		logger.Info("rate limited, requeued at lower priority",
			"url", target.URL, "retry_after", rateLimited.RetryAfter.String())
		frontier.Requeue(target, rateLimited.RetryAfter)
	case errors.Is(err, crawler.ErrRobotsDisallowed):
		logger.Debug("skipped by robots.txt", "url", target.URL)
		stats.addSkipped()
	case errors.Is(err, crawler.ErrDomainSuspended):
		logger.Warn("domain suspended for this run", "domain", domain)
		stats.addDomainError(domain)
	case errors.Is(err, context.Canceled):
		// Run is shutting down; not a domain failure
	default:
		logger.Warn("fetch failed", "url", target.URL, "error", err.Error())
		stats.addDomainError(domain)
	}
}

func (o *Orchestrator) extractLoop(ctx context.Context, frontier *crawler.Frontier, extractor *crawler.Extractor, ts config.TenantSeeds, stats *runStats, in <-chan fetchItem, out chan<- *models.ExtractedPage, pending *atomic.Int64) {
	for item := range in {
		page, err := extractor.Extract(item.target, item.fetched)
		if err != nil {
			// Thin or non-HTML pages are a policy skip, not a failure
			logger.Info("page discarded", "url", item.target.URL, "reason", err.Error())
			stats.addSkipped()
			pending.Add(-1)
			continue
		}

		if item.target.Depth < o.cfg.MaxDepth {
			for _, link := range page.Outlinks {
				host := hostname(link)
				if host == "" || !ts.DomainAllowed(host) {
					continue
				}
				frontier.Enqueue(models.CrawlTarget{
					URL:    link,
					Tenant: item.target.Tenant,
					Depth:  item.target.Depth + 1,
					Tier:   ts.TierFor(host),
				})
			}
		}
		pending.Add(-1)

		stats.addExtracted()
		select {
		case out <- page:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) indexLoop(ctx context.Context, stats *runStats, in <-chan *models.ExtractedPage, fail func(error)) {
	for page := range in {
		if ctx.Err() != nil {
			continue // drain the channel so senders never block
		}

		chunks := o.chunker.ChunkPage(page)
		stats.addChunked(len(chunks))

		counts, err := o.indexer.IndexPage(ctx, page, chunks)
		if err != nil {
			var dimErr *ai.DimensionError
			if errors.As(err, &dimErr) || errors.Is(err, store.ErrDimensionMismatch) {
				fail(err)
				continue
			}
			if errors.Is(err, index.ErrEmbedding) {
				// Provider hiccup on one page; skip it, keep the run
				logger.Warn("page skipped, embedding failed", "url", page.URL, "error", err.Error())
				stats.addSkipped()
				continue
			}
			fail(err)
			continue
		}

		stats.addUpserted(counts.Upserted, counts.Unchanged)
	}
}

// transition persists a lifecycle status change, best effort. Losing a
// progress update is harmless; the terminal update in finishRun is the
// one that matters.
func (o *Orchestrator) transition(run *models.IngestionRun, status string) {
	run.Status = status
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.UpdateRun(ctx, run); err != nil {
		logger.Warn("failed to persist run status", "run_id", run.ID, "status", status, "error", err.Error())
	}
}

func (o *Orchestrator) finishRun(run *models.IngestionRun, ctxErr, fatalErr error) error {
	now := time.Now()
	run.CompletedAt = &now

	switch {
	case fatalErr != nil:
		run.Status = models.RunStatusFailed
		run.Error = fatalErr.Error()
	case ctxErr != nil:
		run.Status = models.RunStatusCancelled
	case run.Counts.Extracted == 0 && run.Counts.Discovered > 0:
		run.Status = models.RunStatusFailed
		run.Error = "no pages extracted"
	default:
		run.Status = models.RunStatusCompleted
	}

	// The terminal update must survive caller cancellation
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.UpdateRun(ctx, run); err != nil {
		logger.Error("failed to persist terminal run state", "run_id", run.ID, "error", err.Error())
	}

	if o.Metrics != nil {
		o.Metrics.RecordIngestion(run.Tenant, int64(run.Counts.Discovered), int64(run.Counts.Upserted))
	}

	logger.Info("ingestion run finished",
		"run_id", run.ID,
		"tenant", run.Tenant,
		"status", run.Status,
		"discovered", run.Counts.Discovered,
		"extracted", run.Counts.Extracted,
		"chunked", run.Counts.Chunked,
		"upserted", run.Counts.Upserted,
	)

	if run.Status == models.RunStatusCompleted && o.cfg.StaleAfter > 0 {
		cutoff := now.Add(-o.cfg.StaleAfter)
		if deleted, err := o.store.DeleteStaleDocuments(ctx, run.Tenant, cutoff); err != nil {
			logger.Warn("stale document cleanup failed", "tenant", run.Tenant, "error", err.Error())
		} else if deleted > 0 {
			logger.Info("stale documents purged", "tenant", run.Tenant, "count", deleted)
		}
	}

	return fatalErr
}

func hostname(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// runStats accumulates counters across pipeline stages.
type runStats struct {
	mu        sync.Mutex
	extracted int
	chunked   int
	upserted  int
	unchanged int
	skipped   int
	domains   map[string]int
}

func newRunStats() *runStats {
	return &runStats{domains: make(map[string]int)}
}

func (s *runStats) addExtracted() {
	s.mu.Lock()
	s.extracted++
	s.mu.Unlock()
}

func (s *runStats) addChunked(n int) {
	s.mu.Lock()
	s.chunked += n
	s.mu.Unlock()
}

func (s *runStats) addUpserted(upserted, unchanged int) {
	s.mu.Lock()
	s.upserted += upserted
	s.unchanged += unchanged
	s.mu.Unlock()
}

func (s *runStats) addSkipped() {
	s.mu.Lock()
	s.skipped++
	s.mu.Unlock()
}

func (s *runStats) addDomainError(domain string) {
	s.mu.Lock()
	s.domains[domain]++
	s.mu.Unlock()
}

func (s *runStats) result() models.IngestionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.IngestionResult{
		Extracted: s.extracted,
		Chunked:   s.chunked,
		Upserted:  s.upserted,
		Unchanged: s.unchanged,
		Skipped:   s.skipped,
	}
}

func (s *runStats) domainErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.domains) == 0 {
		return nil
	}
	out := make(map[string]int, len(s.domains))
	for d, n := range s.domains {
		out[d] = n
	}
	return out
}

package crawler

import (
	"container/heap"
	"net/url"
	"strings"
	"sync"
	"time"

	"guata-knowledge-pipeline/models"
)

// Frontier owns the crawl queue for a single ingestion run. It orders
// targets by trust tier, then depth, then insertion order, deduplicates
// by normalized URL, enforces the page budget and keeps at most one
// request in flight per domain with a minimum delay between fetches.
type Frontier struct {
	mu         sync.Mutex
	queue      targetHeap
	seen       map[string]struct{}
	inflight   map[string]bool
	domainNext map[string]time.Time
	maxDepth   int
	budget     int
	delay      time.Duration
	dequeued   int
	seq        uint64
}

func NewFrontier(opts models.CrawlOptions) *Frontier {
	return &Frontier{
		seen:       make(map[string]struct{}),
		inflight:   make(map[string]bool),
		domainNext: make(map[string]time.Time),
		maxDepth:   opts.MaxDepth,
		budget:     opts.BudgetPages,
		delay:      opts.PolitenessDelay,
	}
}

// Enqueue adds a target unless it is a duplicate, too deep, or the
// URL cannot be normalized. It returns true when the target was queued.
func (f *Frontier) Enqueue(t models.CrawlTarget) bool {
	normalized, err := normalizeURL(t.URL)
	if err != nil {
		return false
	}
	if t.Depth > f.maxDepth {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	key := dedupKey(normalized)
	if _, dup := f.seen[key]; dup {
		return false
	}
	f.seen[key] = struct{}{}

	t.URL = normalized
	f.seq++
	t.Seq = f.seq
	heap.Push(&f.queue, t)
	return true
}

// Requeue puts an already-seen target back at lowered priority after a
// server-requested backoff. It bypasses dedup: the target was dequeued
// earlier and never fetched successfully.
func (f *Frontier) Requeue(t models.CrawlTarget, after time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t.Tier = t.Tier.Demote()
	t.NotBefore = time.Now().Add(after)
	f.seq++
	t.Seq = f.seq
	heap.Push(&f.queue, t)
}

// Next pops the highest-priority target that is due and whose domain
// has no request in flight. The second return is false when nothing is
// currently eligible; use Done to tell "try later" from "finished".
// Every successful Next counts against the page budget and reserves
// the target's domain until Release is called.
func (f *Frontier) Next(now time.Time) (models.CrawlTarget, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dequeued >= f.budget {
		return models.CrawlTarget{}, false
	}

	// Pop until an eligible target is found, then restore the skipped
	// ones. The queue stays small enough that this linear scan is fine.
	var skipped []models.CrawlTarget
	var picked models.CrawlTarget
	found := false

	for f.queue.Len() > 0 {
		t := heap.Pop(&f.queue).(models.CrawlTarget)
		domain := domainOf(t.URL)
		if t.NotBefore.After(now) || f.inflight[domain] || f.domainNext[domain].After(now) {
			skipped = append(skipped, t)
			continue
		}
		picked = t
		found = true
		break
	}
	for _, t := range skipped {
		heap.Push(&f.queue, t)
	}

	if !found {
		return models.CrawlTarget{}, false
	}

	f.inflight[domainOf(picked.URL)] = true
	f.dequeued++
	return picked, true
}

// Release frees the domain reservation taken by Next and starts the
// politeness clock for the next fetch against that domain.
func (f *Frontier) Release(rawURL string) {
	domain := domainOf(rawURL)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, domain)
	f.domainNext[domain] = time.Now().Add(f.delay)
}

// Done reports that no more targets will ever be produced: the queue
// is empty and nothing is in flight that could discover new links, or
// the budget is spent.
func (f *Frontier) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dequeued >= f.budget {
		return len(f.inflight) == 0
	}
	return f.queue.Len() == 0 && len(f.inflight) == 0
}

// Dequeued is the number of targets handed to the fetch pool so far.
func (f *Frontier) Dequeued() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dequeued
}

type targetHeap []models.CrawlTarget

func (h targetHeap) Len() int { return len(h) }

func (h targetHeap) Less(i, j int) bool {
	if h[i].Tier.Rank() != h[j].Tier.Rank() {
		return h[i].Tier.Rank() > h[j].Tier.Rank()
	}
	if h[i].Depth != h[j].Depth {
		return h[i].Depth < h[j].Depth
	}
	return h[i].Seq < h[j].Seq
}

func (h targetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *targetHeap) Push(x any) {
	*h = append(*h, x.(models.CrawlTarget))
}

func (h *targetHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// normalizeURL normalizes a URL to a canonical form for duplicate detection
func normalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "https"
	}
	if parsed.Host == "" {
		return "", &url.Error{Op: "normalize", URL: rawURL, Err: url.InvalidHostError("")}
	}

	// Remove fragment
	parsed.Fragment = ""

	// Normalize path: always remove trailing slash for non-root paths
	path := parsed.Path
	if path == "" {
		path = "/"
	} else if path != "/" {
		path = strings.TrimSuffix(path, "/")
		if path == "" {
			path = "/"
		}
	}
	parsed.Path = path

	// Convert to lowercase scheme and host
	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)

	// Remove default ports
	if parsed.Port() == "80" && parsed.Scheme == "http" {
		host, _, _ := strings.Cut(parsed.Host, ":")
		parsed.Host = host
	}
	if parsed.Port() == "443" && parsed.Scheme == "https" {
		host, _, _ := strings.Cut(parsed.Host, ":")
		parsed.Host = host
	}

	// Drop tracking parameters, keep everything else in stable order
	if parsed.RawQuery != "" {
		q := parsed.Query()
		for param := range q {
			if isTrackingParam(param) {
				q.Del(param)
			}
		}
		parsed.RawQuery = q.Encode()
	}

	return parsed.String(), nil
}

func isTrackingParam(param string) bool {
	param = strings.ToLower(param)
	if strings.HasPrefix(param, "utm_") {
		return true
	}
	switch param {
	case "gclid", "fbclid", "msclkid", "ref", "source":
		return true
	}
	return false
}

// dedupKey strips the scheme so http and https variants of a page
// count as the same target.
func dedupKey(normalizedURL string) string {
	if rest, ok := strings.CutPrefix(normalizedURL, "https://"); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(normalizedURL, "http://"); ok {
		return rest
	}
	return normalizedURL
}

func domainOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(parsed.Hostname())
}

package models

import (
	"net/http"
	"time"
)

// TrustTier classifies how authoritative a source domain is. Official
// government portals rank highest and drive both crawl ordering and
// retrieval scoring.
type TrustTier string

const (
	TrustTierHigh   TrustTier = "high"
	TrustTierMedium TrustTier = "medium"
	TrustTierLow    TrustTier = "low"
)

// Rank orders tiers for the frontier: higher means fetched earlier.
func (t TrustTier) Rank() int {
	switch t {
	case TrustTierHigh:
		return 2
	case TrustTierMedium:
		return 1
	default:
		return 0
	}
}

// Weight is the retrieval score multiplier for the tier.
func (t TrustTier) Weight() float64 {
	switch t {
	case TrustTierHigh:
		return 1.0
	case TrustTierMedium:
		return 0.85
	default:
		return 0.7
	}
}

// Demote lowers a tier one step, used when a target is requeued after
// the server asked us to back off.
func (t TrustTier) Demote() TrustTier {
	switch t {
	case TrustTierHigh:
		return TrustTierMedium
	default:
		return TrustTierLow
	}
}

// CrawlOptions configures a single ingestion crawl.
type CrawlOptions struct {
	MaxDepth         int
	BudgetPages      int
	PolitenessDelay  time.Duration
	FetchTimeout     time.Duration
	FetchRetries     int
	RetryBaseDelay   time.Duration
	BreakerThreshold int
	FetchWorkers     int
	MinContentLength int
	UserAgent        string
}

// CrawlTarget is one URL waiting in the frontier.
type CrawlTarget struct {
	URL       string
	Tenant    string
	Depth     int
	Tier      TrustTier
	NotBefore time.Time
	Seq       uint64
}

// FetchResult is the raw outcome of a successful fetch, body already
// decompressed and normalized to UTF-8.
type FetchResult struct {
	URL         string
	StatusCode  int
	ContentType string
	Headers     http.Header
	Body        []byte
	FetchedAt   time.Time
}

// ExtractedPage is the boilerplate-free view of a fetched page.
type ExtractedPage struct {
	Tenant      string
	URL         string
	Title       string
	Content     string
	ContentHash string
	FetchedAt   time.Time
	Depth       int
	Tier        TrustTier
	Outlinks    []string
}

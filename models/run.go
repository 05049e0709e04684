package models

import "time"

// Ingestion run lifecycle. Terminal states are Completed, Failed and
// Cancelled; everything else is in flight.
const (
	RunStatusPending     = "pending"
	RunStatusDiscovering = "discovering"
	RunStatusExtracting  = "extracting"
	RunStatusIndexing    = "indexing"
	RunStatusCompleted   = "completed"
	RunStatusFailed      = "failed"
	RunStatusCancelled   = "cancelled"
)

// IngestionResult aggregates what a run actually did.
type IngestionResult struct {
	Discovered int `bson:"discovered" json:"discovered"`
	Extracted  int `bson:"extracted" json:"extracted"`
	Chunked    int `bson:"chunked" json:"chunked"`
	Upserted   int `bson:"upserted" json:"upserted"`
	Unchanged  int `bson:"unchanged" json:"unchanged"`
	Skipped    int `bson:"skipped" json:"skipped"`
}

// IngestionRun is the append-only audit record for one crawl of one
// tenant's sources.
type IngestionRun struct {
	ID           string          `bson:"_id" json:"id"`
	Tenant       string          `bson:"tenant" json:"tenant"`
	Status       string          `bson:"status" json:"status"`
	StartedAt    time.Time       `bson:"started_at" json:"started_at"`
	CompletedAt  *time.Time      `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
	Counts       IngestionResult `bson:"counts" json:"counts"`
	DomainErrors map[string]int  `bson:"domain_errors,omitempty" json:"domain_errors,omitempty"`
	Error        string          `bson:"error,omitempty" json:"error,omitempty"`
}

// Terminal reports whether the run has reached a final state.
func (r *IngestionRun) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

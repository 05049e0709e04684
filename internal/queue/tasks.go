package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"guata-knowledge-pipeline/internal/ingest"
	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/services"
)

const (
	TaskIngestionRun = "ingest:run"
)

type IngestionRunPayload struct {
	Tenant string `json:"tenant"`
	RunID  string `json:"run_id"`
}

// NewIngestionRunTask enqueues execution of an already-created run.
func NewIngestionRunTask(tenant, runID string) (*asynq.Task, error) {
	payload, err := json.Marshal(IngestionRunPayload{
		Tenant: tenant,
		RunID:  runID,
	})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(
		TaskIngestionRun,
		payload,
		asynq.MaxRetry(2),
		asynq.Timeout(30*time.Minute),
		asynq.Queue("default"),
	), nil
}

// Task handlers
type TaskProcessor struct {
	orchestrator *ingest.Orchestrator
	cache        *services.RetrievalCache
}

func NewTaskProcessor(orchestrator *ingest.Orchestrator, cache *services.RetrievalCache) *TaskProcessor {
	return &TaskProcessor{orchestrator: orchestrator, cache: cache}
}

func (p *TaskProcessor) HandleIngestionRun(ctx context.Context, t *asynq.Task) error {
	var payload IngestionRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal failed: %w", asynq.SkipRetry)
	}

	logger.Info("executing ingestion run", "run_id", payload.RunID, "tenant", payload.Tenant)

	err := p.orchestrator.ExecuteRun(ctx, payload.RunID)
	if err != nil {
		if errors.Is(err, ingest.ErrRunInProgress) {
			// Another worker picked up the tenant; retrying would only collide again
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		// Terminal state is already persisted; a failed run is not retried
		logger.Error("ingestion run failed", "run_id", payload.RunID, "error", err.Error())
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	// The index changed; cached answers for the tenant are stale now
	p.cache.Invalidate(ctx, payload.Tenant)
	return nil
}

package routes

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"

	"guata-knowledge-pipeline/internal/ingest"
	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/internal/queue"
	"guata-knowledge-pipeline/internal/store"
	"guata-knowledge-pipeline/utils"
)

// SetupIngestRoutes wires the ingestion run endpoints. Runs are
// created synchronously and executed on the worker via asynq.
func SetupIngestRoutes(router *gin.Engine, orchestrator *ingest.Orchestrator, st store.Store, client *asynq.Client) {
	api := router.Group("/api/ingest")

	api.POST("/:tenant/runs", func(c *gin.Context) {
		tenant := c.Param("tenant")

		run, err := orchestrator.StartRun(c.Request.Context(), tenant)
		if err != nil {
			switch {
			case errors.Is(err, ingest.ErrUnknownTenant):
				utils.RespondWithNotFound(c, "tenant not configured")
			case errors.Is(err, ingest.ErrRunInProgress):
				utils.RespondWithConflict(c, "an ingestion run is already active for this tenant", gin.H{"tenant": tenant})
			default:
				logger.Error("failed to create ingestion run", "tenant", tenant, "error", err.Error())
				utils.RespondWithInternalError(c, "failed to create ingestion run", nil)
			}
			return
		}

		task, err := queue.NewIngestionRunTask(tenant, run.ID)
		if err != nil {
			utils.RespondWithInternalError(c, "failed to enqueue ingestion run", nil)
			return
		}
		if _, err := client.Enqueue(task); err != nil {
			logger.Error("failed to enqueue ingestion run", "run_id", run.ID, "error", err.Error())
			utils.RespondWithInternalError(c, "failed to enqueue ingestion run", nil)
			return
		}

		c.JSON(202, gin.H{"run": run})
	})

	api.GET("/runs/:id", func(c *gin.Context) {
		run, err := st.GetRun(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, store.ErrRunNotFound) {
				utils.RespondWithNotFound(c, "run not found")
				return
			}
			utils.RespondWithInternalError(c, "failed to load run", nil)
			return
		}
		c.JSON(200, gin.H{"run": run})
	})
}

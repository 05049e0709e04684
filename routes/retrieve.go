package routes

import (
	"time"

	"github.com/gin-gonic/gin"

	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/internal/retriever"
	"guata-knowledge-pipeline/internal/telemetry"
	"guata-knowledge-pipeline/services"
	"guata-knowledge-pipeline/utils"
)

type RetrieveRequest struct {
	Tenant   string `json:"tenant" binding:"required"`
	Question string `json:"question" binding:"required"`
	K        int    `json:"k"`
}

// SetupRetrieveRoutes wires the retrieval endpoint with its response
// cache.
func SetupRetrieveRoutes(router *gin.Engine, retr *retriever.Retriever, cache *services.RetrievalCache, metrics *telemetry.Metrics) {
	router.POST("/api/retrieve", func(c *gin.Context) {
		var req RetrieveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			utils.RespondWithBadRequest(c, "tenant and question are required", err.Error())
			return
		}

		ctx := c.Request.Context()

		if cached, hit := cache.Get(ctx, req.Tenant, req.Question); hit {
			c.Header("X-Cache", "HIT")
			c.JSON(200, cached)
			return
		}

		start := time.Now()
		result, err := retr.Retrieve(ctx, req.Tenant, req.Question, req.K)
		if err != nil {
			logger.Error("retrieval failed", "tenant", req.Tenant, "error", err.Error())
			utils.RespondWithInternalError(c, "retrieval failed", nil)
			return
		}

		if metrics != nil {
			metrics.RecordRetrieval(req.Tenant, result.Grounded, time.Since(start).Seconds())
		}

		cache.Set(ctx, req.Tenant, req.Question, result)
		c.Header("X-Cache", "MISS")
		c.JSON(200, result)
	})
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/internal/config"
	"guata-knowledge-pipeline/internal/ingest"
	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/internal/retriever"
	"guata-knowledge-pipeline/internal/store"
	"guata-knowledge-pipeline/internal/telemetry"
	"guata-knowledge-pipeline/middleware"
	"guata-knowledge-pipeline/routes"
	"guata-knowledge-pipeline/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger.InitLogger(cfg)

	seeds, err := config.LoadSeedConfig(cfg.SeedsFile)
	if err != nil {
		log.Fatal("Failed to load seed config:", err)
	}

	// Tracing is optional; skip silently when disabled
	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer("guata-knowledge-api", cfg.OTLPEndpoint)
		if err != nil {
			log.Fatal("Failed to init tracer:", err)
		}
		defer shutdown()
	}

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Fatal("Failed to init metrics:", err)
	}

	// Store: MongoDB when configured, in-memory for local development
	var st store.Store
	if cfg.MongoURI != "" {
		mongoClient, err := config.ConnectMongoDB(cfg)
		if err != nil {
			log.Fatal("Failed to connect to MongoDB:", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			mongoClient.Disconnect(ctx)
		}()
		st = store.NewMongoStore(mongoClient.Database(cfg.DBName), cfg.VectorDimensions)
	} else {
		logger.Warn("MONGO_URI not set, using in-memory store")
		st = store.NewMemoryStore(cfg.VectorDimensions)
	}

	embedder, closeEmbedder, err := buildEmbedder(cfg)
	if err != nil {
		log.Fatal("Failed to init embedder:", err)
	}
	defer closeEmbedder()

	orchestrator := ingest.New(cfg, seeds, st, embedder)
	orchestrator.Metrics = metrics
	retr := retriever.New(st, embedder, retriever.Options{
		MinSimilarity:      cfg.MinSimilarity,
		FreshnessWindow:    cfg.FreshnessWindow,
		ContextTokenBudget: cfg.ContextTokenBudget,
		DefaultK:           cfg.RetrieveK,
	})

	// Redis backs both the asynq queue and the retrieval cache
	var cache *services.RetrievalCache
	rdb, err := config.NewRedisClient(cfg)
	if err != nil {
		logger.Warn("Redis unavailable, retrieval cache disabled", "error", err.Error())
	} else {
		cache = services.NewRetrievalCache(rdb, cfg.CacheTTL)
	}

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer asynqClient.Close()

	// Initialize Gin router
	if cfg.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.TracingMiddleware())
	router.Use(middleware.EnrichTrace())
	router.Use(middleware.MetricsMiddleware(metrics))

	// CORS configuration
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.CORSOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-Requested-With"}
	router.Use(cors.New(corsConfig))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})

	// Setup routes
	routes.SetupIngestRoutes(router, orchestrator, st, asynqClient)
	routes.SetupRetrieveRoutes(router, retr, cache, metrics)

	// Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}

func buildEmbedder(cfg *config.Config) (ai.Embedder, func(), error) {
	if cfg.EmbeddingsProvider == "google" {
		ge, err := ai.NewGeminiEmbedder(context.Background(), cfg.GeminiAPIKey, cfg.GoogleEmbeddingsModel, cfg.VectorDimensions)
		if err != nil {
			return nil, nil, err
		}
		return ge, func() { ge.Close() }, nil
	}
	return ai.NewLocalEmbedder(cfg.VectorDimensions), func() {}, nil
}

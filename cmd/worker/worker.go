package main

import (
	"context"
	"log"
	"time"

	"guata-knowledge-pipeline/internal/ai"
	"guata-knowledge-pipeline/internal/config"
	"guata-knowledge-pipeline/internal/crawler"
	"guata-knowledge-pipeline/internal/ingest"
	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/internal/queue"
	"guata-knowledge-pipeline/internal/store"
	"guata-knowledge-pipeline/internal/telemetry"
	"guata-knowledge-pipeline/services"

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

	if cfg.TracingEnabled {
		shutdown, err := telemetry.InitTracer("guata-knowledge-worker", cfg.OTLPEndpoint)
		if err != nil {
			log.Fatal("Failed to init tracer:", err)
		}
		defer shutdown()
	}

	if cfg.MongoURI == "" {
		log.Fatal("MONGO_URI is required for the worker")
	}
	mongoClient, err := config.ConnectMongoDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to MongoDB:", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mongoClient.Disconnect(ctx)
	}()
	st := store.NewMongoStore(mongoClient.Database(cfg.DBName), cfg.VectorDimensions)

	var embedder ai.Embedder
	if cfg.EmbeddingsProvider == "google" {
		ge, err := ai.NewGeminiEmbedder(context.Background(), cfg.GeminiAPIKey, cfg.GoogleEmbeddingsModel, cfg.VectorDimensions)
		if err != nil {
			log.Fatal("Failed to initialize Gemini embedder:", err)
		}
		defer ge.Close()
		embedder = ge
	} else {
		embedder = ai.NewLocalEmbedder(cfg.VectorDimensions)
	}

	metrics, err := telemetry.InitMetrics()
	if err != nil {
		log.Fatal("Failed to init metrics:", err)
	}

	orchestrator := ingest.New(cfg, seeds, st, embedder)
	orchestrator.Metrics = metrics

	// Redis options for Asynq
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	asynqClient := asynq.NewClient(redisOpt)
	defer asynqClient.Close()

	// Refresh scheduler: re-enqueue tenants whose index has gone stale
	scheduler := crawler.NewScheduler()
	for tenant := range seeds.Tenants {
		tenant := tenant
		err := scheduler.ScheduleJob("refresh:"+tenant, cfg.RefreshCron, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			needed, err := orchestrator.RefreshNeeded(ctx, tenant)
			if err != nil {
				return err
			}
			if !needed {
				logger.Debug("refresh not needed", "tenant", tenant)
				return nil
			}

			run, err := orchestrator.StartRun(ctx, tenant)
			if err != nil {
				logger.Warn("scheduled refresh skipped", "tenant", tenant, "reason", err.Error())
				return nil
			}
			task, err := queue.NewIngestionRunTask(tenant, run.ID)
			if err != nil {
				return err
			}
			_, err = asynqClient.Enqueue(task)
			return err
		})
		if err != nil {
			log.Fatal("Failed to schedule refresh job:", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Create Asynq server
	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			// Runs serialize per tenant; concurrency bounds how many
			// tenants ingest at once
			Concurrency: 4,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			StrictPriority: true,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("task failed", "type", task.Type(), "error", err.Error())
			}),
		},
	)

	// Retrieval cache shares the queue's Redis; runs invalidate it
	var cache *services.RetrievalCache
	if rdb, err := config.NewRedisClient(cfg); err != nil {
		logger.Warn("Redis client for cache invalidation unavailable", "error", err.Error())
	} else {
		cache = services.NewRetrievalCache(rdb, cfg.CacheTTL)
	}

	// Create task processor
	processor := queue.NewTaskProcessor(orchestrator, cache)

	// Create mux and register handlers
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TaskIngestionRun, processor.HandleIngestionRun)

	log.Println("Starting Asynq worker...")
	log.Printf("   Redis: %s", redisOpt.Addr)
	log.Printf("   Refresh cron: %s", cfg.RefreshCron)

	// Start the server
	if err := server.Run(mux); err != nil {
		log.Fatal("Failed to start worker:", err)
	}
}

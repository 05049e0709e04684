package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI    string
	DBName      string
	Port        string
	GinMode     string
	CORSOrigins []string

	// Redis Configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Seed / trust configuration
	SeedsFile string

	// Crawl configuration
	UserAgent        string
	MaxDepth         int
	BudgetPages      int
	PolitenessDelay  time.Duration
	FetchTimeout     time.Duration
	FetchRetries     int
	RetryBaseDelay   time.Duration
	BreakerThreshold int
	FetchWorkers     int
	MinContentLength int

	// Chunking configuration (token windows, 1 token ~ 4 chars)
	MaxChunkTokens     int
	ChunkOverlapTokens int
	MinChunkTokens     int

	// Embeddings configuration
	EmbeddingsProvider    string // "local" (default), "google"
	GeminiAPIKey          string
	GoogleEmbeddingsModel string // e.g., "text-embedding-004"
	VectorDimensions      int

	// Retrieval configuration
	MinSimilarity      float64
	FreshnessWindow    time.Duration
	ContextTokenBudget int
	RetrieveK          int
	CacheTTL           time.Duration

	// Refresh / cleanup configuration
	RefreshCron     string
	RefreshInterval time.Duration
	StaleAfter      time.Duration

	// Tracing
	TracingEnabled bool
	OTLPEndpoint   string
}

func LoadConfig() (*Config, error) {
	// Load .env file if exists
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("error loading .env file: %v", err)
		}
	}

	cfg := &Config{
		MongoURI:    getEnv("MONGO_URI", ""),
		DBName:      getEnv("DB_NAME", "guata_knowledge"),
		Port:        getEnv("PORT", "8080"),
		GinMode:     getEnv("GIN_MODE", "debug"),
		CORSOrigins: strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://localhost:8080"), ","),

		// Redis Configuration
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		SeedsFile: getEnv("SEEDS_FILE", "seeds.yaml"),

		// Crawl
		UserAgent:        getEnv("CRAWLER_USER_AGENT", "Mozilla/5.0 (compatible; GuataBot/1.0; +https://descubramais.ms.gov.br/bot)"),
		MaxDepth:         getEnvInt("CRAWL_MAX_DEPTH", 2),
		BudgetPages:      getEnvInt("CRAWL_BUDGET_PAGES", 200),
		PolitenessDelay:  time.Duration(getEnvInt("CRAWL_POLITENESS_MS", 2000)) * time.Millisecond,
		FetchTimeout:     time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 10)) * time.Second,
		FetchRetries:     getEnvInt("FETCH_RETRIES", 2),
		RetryBaseDelay:   time.Duration(getEnvInt("FETCH_RETRY_BASE_MS", 500)) * time.Millisecond,
		BreakerThreshold: getEnvInt("DOMAIN_BREAKER_THRESHOLD", 5),
		FetchWorkers:     getEnvInt("FETCH_WORKERS", 4),
		MinContentLength: getEnvInt("MIN_CONTENT_LENGTH", 100),

		// Chunking
		MaxChunkTokens:     getEnvInt("MAX_CHUNK_TOKENS", 700),
		ChunkOverlapTokens: getEnvInt("CHUNK_OVERLAP_TOKENS", 80),
		MinChunkTokens:     getEnvInt("MIN_CHUNK_TOKENS", 120),

		// Embeddings
		EmbeddingsProvider:    getEnv("EMBEDDINGS_PROVIDER", "local"),
		GeminiAPIKey:          getEnv("GEMINI_API_KEY", ""),
		GoogleEmbeddingsModel: getEnv("GOOGLE_EMBEDDINGS_MODEL", "text-embedding-004"),
		VectorDimensions:      getEnvInt("VECTOR_DIM", 384),

		// Retrieval
		MinSimilarity:      getEnvFloat64("MIN_SIMILARITY", 0.30),
		FreshnessWindow:    time.Duration(getEnvInt("FRESHNESS_WINDOW_DAYS", 180)) * 24 * time.Hour,
		ContextTokenBudget: getEnvInt("CONTEXT_TOKEN_BUDGET", 3000),
		RetrieveK:          getEnvInt("RETRIEVE_K", 8),
		CacheTTL:           time.Duration(getEnvInt("RETRIEVAL_CACHE_TTL_SECONDS", 3600)) * time.Second,

		// Refresh / cleanup
		RefreshCron:     getEnv("REFRESH_CRON", "0 3 * * *"),
		RefreshInterval: time.Duration(getEnvInt("REFRESH_INTERVAL_HOURS", 24)) * time.Hour,
		StaleAfter:      time.Duration(getEnvInt("STALE_AFTER_DAYS", 30)) * 24 * time.Hour,

		// Tracing
		TracingEnabled: getEnvBool("TRACING_ENABLED", false),
		OTLPEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
	}

	// Validate required fields
	if cfg.EmbeddingsProvider == "google" && cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required when EMBEDDINGS_PROVIDER=google - set it in .env file")
	}

	if cfg.FetchWorkers < 1 {
		return nil, fmt.Errorf("FETCH_WORKERS must be at least 1")
	}

	if cfg.ChunkOverlapTokens >= cfg.MaxChunkTokens {
		return nil, fmt.Errorf("CHUNK_OVERLAP_TOKENS must be smaller than MAX_CHUNK_TOKENS")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

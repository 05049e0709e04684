package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"guata-knowledge-pipeline/internal/logger"
	"guata-knowledge-pipeline/models"
)

// RetrievalCache memoizes retrieval results per (tenant, question) in
// Redis. Repeated questions are common and retrieval is the expensive
// path, so a short TTL pays for itself. A nil client disables caching.
type RetrievalCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRetrievalCache(rdb *redis.Client, ttl time.Duration) *RetrievalCache {
	return &RetrievalCache{rdb: rdb, ttl: ttl}
}

func (c *RetrievalCache) Get(ctx context.Context, tenant, question string) (*models.RetrievalResult, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}

	data, err := c.rdb.Get(ctx, cacheKey(tenant, question)).Bytes()
	if err != nil {
		return nil, false
	}

	var result models.RetrievalResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, false
	}
	return &result, true
}

func (c *RetrievalCache) Set(ctx context.Context, tenant, question string, result *models.RetrievalResult) {
	if c == nil || c.rdb == nil || result == nil {
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(tenant, question), data, c.ttl).Err(); err != nil {
		logger.Debug("retrieval cache write failed", "error", err.Error())
	}
}

// Invalidate drops all cached answers for a tenant, called after an
// ingestion run changes the index.
func (c *RetrievalCache) Invalidate(ctx context.Context, tenant string) {
	if c == nil || c.rdb == nil {
		return
	}

	iter := c.rdb.Scan(ctx, 0, "rag:cache:"+tenant+":*", 100).Iterator()
	for iter.Next(ctx) {
		c.rdb.Del(ctx, iter.Val())
	}
}

func cacheKey(tenant, question string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(question))))
	return "rag:cache:" + tenant + ":" + hex.EncodeToString(sum[:16])
}

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/metrics"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/go-redis/redis/v8"
)

// Cache is a string key/value store with per-entry expiry. A ttl of 0 keeps
// the entry until it is overwritten.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

type redisCache struct {
	rdb    *redis.Client
	logger *utils.Logger
}

func NewRedisCache(rdb *redis.Client, logger *utils.Logger) Cache {
	return &redisCache{rdb: rdb, logger: logger}
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis GET %s: %w", key, err)
	}
	return val, true, nil
}

func (c *redisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET %s: %w", key, err)
	}
	return nil
}

// GetJSON decodes the entry at key into dst. Any Redis error or decode
// failure is reported as a miss.
func GetJSON(ctx context.Context, c Cache, logger *utils.Logger, key string, dst any) bool {
	raw, ok, err := c.Get(ctx, key)
	if err != nil {
		logger.Warn("Cache read failed, treating as miss", "key", key, "error", err)
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return false
	}
	if !ok {
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		logger.Warn("Cache entry undecodable, treating as miss", "key", key, "error", err)
		metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return false
	}
	metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
	return true
}

// SetJSON stores v as JSON. Failures are logged and returned; callers on the
// success path usually ignore them.
func SetJSON(ctx context.Context, c Cache, logger *utils.Logger, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	if err := c.Set(ctx, key, string(b), ttl); err != nil {
		logger.Warn("Cache write failed", "key", key, "error", err)
		return err
	}
	return nil
}

func FileKey(filename string) string { return "csv_file:" + filename }

func MetricKey(metric string) string { return "csv_col:" + metric }

func UploadKey(id int64) string { return fmt.Sprintf("upload_result:%d", id) }

func TrainingKey(category string) string { return "training:" + category }

// ChatKey hashes the normalised query so arbitrary text maps to a bounded key.
func ChatKey(query string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(query))))
	return "chat_answer:" + hex.EncodeToString(sum[:])
}

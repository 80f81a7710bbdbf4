package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/booking-settlement/internal/config"
	"github.com/smarttransit/booking-settlement/internal/models"
)

// NewRedisClient connects to Redis. It returns nil when no address is
// configured or the server does not answer; callers then run without a cache.
func NewRedisClient(cfg config.RedisConfig, logger *logrus.Logger) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.WithError(err).WithField("addr", cfg.Addr).Warn("Redis unavailable, lock result cache disabled")
		_ = client.Close()
		return nil
	}
	return client
}

// LockResultCache keeps recent tryLockSeats outcomes keyed by idempotency key.
// The database stays the source of truth; a miss or a Redis error falls
// through to it. A nil *LockResultCache is valid and caches nothing.
type LockResultCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *logrus.Logger
}

// NewLockResultCache wraps client. It returns nil when client is nil.
func NewLockResultCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *LockResultCache {
	if client == nil {
		return nil
	}
	return &LockResultCache{client: client, ttl: ttl, logger: logger}
}

func lockResultKey(idemKey string) string {
	return "seatlock:result:" + idemKey
}

// Get returns the cached result for idemKey, if any
func (c *LockResultCache) Get(ctx context.Context, idemKey string) (*models.LockResult, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, lockResultKey(idemKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).Debug("lock result cache read failed")
		return nil, false
	}
	var result models.LockResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		c.logger.WithError(err).WithField("idem_key", idemKey).Warn("Discarding malformed cached lock result")
		return nil, false
	}
	return &result, true
}

// Set stores the result for idemKey. Failures are logged and ignored.
func (c *LockResultCache) Set(ctx context.Context, idemKey string, result *models.LockResult) {
	if c == nil || result == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, lockResultKey(idemKey), string(raw), c.ttl).Err(); err != nil {
		c.logger.WithError(err).Debug("lock result cache write failed")
	}
}

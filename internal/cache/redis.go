// Package cache provides embedding vector caches. The embedding service
// treats every cache failure as a miss, so implementations log and degrade
// instead of returning errors.
package cache

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	redisKeyPrefix = "taxon:emb:"

	redisMaxIdle     = 8
	redisMaxActive   = 32
	redisIdleTimeout = 240 * time.Second
	redisOpTimeout   = 2 * time.Second

	// DefaultTTL keeps vectors across the weekly batch cycle.
	DefaultTTL = 7 * 24 * time.Hour
)

// RedisConfig configures the Redis embedding cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// RedisCache caches embedding vectors in Redis with a TTL. Keys are content
// digests computed by the embedding service, so entries invalidate themselves
// when the model version changes.
type RedisCache struct {
	pool   *redis.Pool
	ttl    time.Duration
	logger zerolog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis builds the connection pool and verifies the server is reachable.
func NewRedis(cfg RedisConfig) (*RedisCache, error) {
	pool := &redis.Pool{
		MaxIdle:     redisMaxIdle,
		MaxActive:   redisMaxActive,
		IdleTimeout: redisIdleTimeout,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{
				redis.DialConnectTimeout(5 * time.Second),
				redis.DialReadTimeout(redisOpTimeout),
				redis.DialWriteTimeout(redisOpTimeout),
				redis.DialDatabase(cfg.DB),
			}
			if cfg.Password != "" {
				opts = append(opts, redis.DialPassword(cfg.Password))
			}
			return redis.Dial("tcp", cfg.Addr, opts...)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}

	conn := pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	c := &RedisCache{
		pool:   pool,
		ttl:    ttl,
		logger: log.With().Str("component", "embedding-cache").Logger(),
	}
	c.logger.Info().Str("addr", cfg.Addr).Dur("ttl", ttl).Msg("Redis embedding cache connected")
	return c, nil
}

// Get returns the cached vector for a key, reporting a miss on any failure.
func (c *RedisCache) Get(key string) ([]float32, bool) {
	conn := c.pool.Get()
	defer conn.Close()

	data, err := redis.Bytes(conn.Do("GET", redisKeyPrefix+key))
	if err != nil {
		if !errors.Is(err, redis.ErrNil) {
			c.logger.Warn().Err(err).Msg("Embedding cache read failed")
		}
		c.misses.Add(1)
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping corrupt embedding cache entry")
		_, _ = conn.Do("DEL", redisKeyPrefix+key)
		c.misses.Add(1)
		return nil, false
	}

	c.hits.Add(1)
	return vec, true
}

// Put stores a vector under the key with the configured TTL.
func (c *RedisCache) Put(key string, vec []float32) {
	data, err := json.Marshal(vec)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to encode embedding for cache")
		return
	}

	conn := c.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("SETEX", redisKeyPrefix+key, int(c.ttl.Seconds()), data); err != nil {
		c.logger.Warn().Err(err).Msg("Embedding cache write failed")
	}
}

// Stats returns cumulative hit and miss counts.
func (c *RedisCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Ping verifies the pool can reach the server.
func (c *RedisCache) Ping() error {
	conn := c.pool.Get()
	defer conn.Close()
	_, err := conn.Do("PING")
	return err
}

// Close releases the connection pool.
func (c *RedisCache) Close() error {
	return c.pool.Close()
}

// Package redisstore is a Redis-backed store.HealthStore, used as an
// optional read-through accelerator in front of a durable HealthStore so
// dashboards don't hit the primary database for every poll (SPEC_FULL.md's
// DOMAIN STACK: "redis/go-redis/v9 ... health-cache read-through only, not
// affinity/breaker state").
//
// Grounded on internal/cache/manager.go's redis.Client wrapper (connect,
// ping-on-construct, JSON get/set, health-check loop), narrowed from a
// generic string/JSON cache to the single HealthRecord shape this store
// needs.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/store"
)

// ErrClosed is returned by operations on a closed Store.
var ErrClosed = errors.New("redisstore: store is closed")

// Config holds the tunables for the Redis connection, grounded on
// internal/cache.Config.
type Config struct {
	Addr         string        `yaml:"addr" env:"REDIS_ADDR"`
	Password     string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int           `yaml:"db" env:"REDIS_DB"`
	TTL          time.Duration `yaml:"ttl" env:"REDIS_HEALTH_TTL"`
	MaxRetries   int           `yaml:"max_retries" env:"REDIS_MAX_RETRIES"`
	PoolSize     int           `yaml:"pool_size" env:"REDIS_POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"REDIS_MIN_IDLE_CONNS"`
}

// DefaultConfig mirrors internal/cache.DefaultConfig's values.
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		TTL:          5 * time.Minute,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

const keyPrefix = "agentflow:health:"

// Store is a Redis-backed store.HealthStore.
type Store struct {
	redis  *redis.Client
	config Config
	logger *zap.Logger
}

// New connects to Redis and verifies reachability with a ping.
func New(config Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		MaxRetries:   config.MaxRetries,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: connect: %w", err)
	}

	return &Store{
		redis:  client,
		config: config,
		logger: logger.With(zap.String("component", "redisstore")),
	}, nil
}

// Update writes patch as the current health record for upstreamID,
// refreshing its TTL (spec.md §4.C's health write path, accelerated).
func (s *Store) Update(ctx context.Context, upstreamID string, patch store.HealthPatch) error {
	rec := store.HealthRecord{
		UpstreamID:    upstreamID,
		Healthy:       patch.Healthy,
		LastCheckAt:   patch.LastCheckAt,
		LastSuccessAt: patch.LastSuccessAt,
		FailureCount:  patch.FailureCount,
		LatencyMs:     patch.LatencyMs,
		ErrorMessage:  patch.ErrorMessage,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisstore: marshal health record: %w", err)
	}

	ttl := s.config.TTL
	if ttl == 0 {
		ttl = DefaultConfig().TTL
	}
	if err := s.redis.Set(ctx, keyPrefix+upstreamID, data, ttl).Err(); err != nil {
		s.logger.Warn("health record write failed", zap.String("upstream_id", upstreamID), zap.Error(err))
		return fmt.Errorf("redisstore: set: %w", err)
	}
	return nil
}

// GetHealth reads the cached health record for upstreamID, reporting
// (zero, false, nil) on a cache miss rather than an error — callers are
// expected to fall back to a durable HealthStore on a miss.
func (s *Store) GetHealth(ctx context.Context, upstreamID string) (store.HealthRecord, bool, error) {
	val, err := s.redis.Get(ctx, keyPrefix+upstreamID).Result()
	if errors.Is(err, redis.Nil) {
		return store.HealthRecord{}, false, nil
	}
	if err != nil {
		return store.HealthRecord{}, false, fmt.Errorf("redisstore: get: %w", err)
	}

	var rec store.HealthRecord
	if err := json.Unmarshal([]byte(val), &rec); err != nil {
		return store.HealthRecord{}, false, fmt.Errorf("redisstore: unmarshal: %w", err)
	}
	return rec, true, nil
}

// Ping checks Redis reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.redis.Close()
}

var _ store.HealthStore = (*Store)(nil)

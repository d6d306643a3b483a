package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mediaforged/pkg/models"
)

const keyPrefix = "jobs:outcome:"

// OutcomeCacheConfig holds Redis connection configuration.
type OutcomeCacheConfig struct {
	Addr         string
	TTL          time.Duration
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultOutcomeCacheConfig returns production defaults.
func DefaultOutcomeCacheConfig(addr string) OutcomeCacheConfig {
	return OutcomeCacheConfig{
		Addr:         addr,
		TTL:          time.Hour,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// OutcomeCache keeps recently resolved outcomes in Redis so poll-style
// getOutcome callers do not hammer the ledger.
type OutcomeCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOutcomeCache initializes a Redis client with default config.
func NewOutcomeCache(addr string) (*OutcomeCache, error) {
	return NewOutcomeCacheWithConfig(DefaultOutcomeCacheConfig(addr))
}

// NewOutcomeCacheWithConfig initializes a Redis client with custom config.
func NewOutcomeCacheWithConfig(cfg OutcomeCacheConfig) (*OutcomeCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &OutcomeCache{client: client, ttl: cfg.TTL}, nil
}

func (c *OutcomeCache) Close() error {
	return c.client.Close()
}

// Put stores a terminal outcome under its job ID with the configured TTL.
func (c *OutcomeCache) Put(ctx context.Context, outcome models.Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+outcome.JobID.String(), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache outcome: %w", err)
	}
	return nil
}

// Get returns the cached outcome, or (nil, nil) on a miss.
func (c *OutcomeCache) Get(ctx context.Context, id uuid.UUID) (*models.Outcome, error) {
	payload, err := c.client.Get(ctx, keyPrefix+id.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cached outcome: %w", err)
	}

	var outcome models.Outcome
	if err := json.Unmarshal(payload, &outcome); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached outcome: %w", err)
	}
	return &outcome, nil
}

// Invalidate drops a cached outcome, used by the retention sweep.
func (c *OutcomeCache) Invalidate(ctx context.Context, id uuid.UUID) error {
	return c.client.Del(ctx, keyPrefix+id.String()).Err()
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/avas-r/jobmesh/internal/domain"
)

const statusTTL = 24 * time.Hour

func statusKey(tenantID, executionID string) string {
	return "execution:status:" + tenantID + ":" + executionID
}

// StateCache mirrors live execution status in Redis so agent report handlers
// can pre-check duplicate deliveries and dashboards can poll without hitting
// Postgres. The cache is advisory; the relational store stays authoritative.
type StateCache interface {
	SetStatus(ctx context.Context, tenantID, executionID string, status domain.ExecutionStatus) error
	GetStatus(ctx context.Context, tenantID, executionID string) (domain.ExecutionStatus, error)
}

type stateCache struct {
	client *redis.Client
}

// NewStateCache creates a Redis-backed StateCache.
func NewStateCache(client *redis.Client) StateCache {
	return &stateCache{client: client}
}

// NewClient creates a Redis client with aggressive timeouts; a slow cache
// must not slow down the report path.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *stateCache) SetStatus(ctx context.Context, tenantID, executionID string, status domain.ExecutionStatus) error {
	err := s.client.Set(ctx, statusKey(tenantID, executionID), string(status), statusTTL).Err()
	if err != nil {
		return fmt.Errorf("redis set status for %s: %w", executionID, err)
	}
	return nil
}

func (s *stateCache) GetStatus(ctx context.Context, tenantID, executionID string) (domain.ExecutionStatus, error) {
	val, err := s.client.Get(ctx, statusKey(tenantID, executionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.NotFoundError{Entity: "execution", ID: executionID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", executionID, err)
	}
	return domain.ExecutionStatus(val), nil
}

package services

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockService is a named, cooperative advisory lock on Redis. It serializes
// scheduled runs across concurrent triggers; it is best-effort by design.
// Correctness never depends on it - idempotency keys are the second line of
// defense - so a missing Redis client degrades to "everything acquires",
// loudly.
type LockService struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger

	// mu guards tokens; Acquire and Release run from concurrent requests.
	mu     sync.Mutex
	tokens map[string]string
}

func NewLockService(client *redis.Client, ttl time.Duration, logger *zap.Logger) *LockService {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &LockService{
		client: client,
		ttl:    ttl,
		logger: logger,
		tokens: make(map[string]string),
	}
}

// Acquire takes the named lock. Returns false when another holder has it.
// With no Redis client it returns true and logs the degradation.
func (s *LockService) Acquire(ctx context.Context, key string) (bool, error) {
	if s.client == nil {
		s.logger.Warn("advisory lock unavailable, proceeding unlocked; idempotency keys are the only duplicate guard",
			zap.String("lock", key))
		return true, nil
	}

	token := uuid.New().String()
	ok, err := s.client.SetNX(ctx, lockKey(key), token, s.ttl).Result()
	if err != nil {
		// Redis reachable at startup but failing now: same degradation rule.
		s.logger.Warn("advisory lock acquire failed, proceeding unlocked",
			zap.String("lock", key), zap.Error(err))
		return true, nil
	}
	if ok {
		s.mu.Lock()
		s.tokens[key] = token
		s.mu.Unlock()
	}
	return ok, nil
}

// Release drops the named lock if this service still holds it. Best-effort:
// the TTL reclaims abandoned locks.
func (s *LockService) Release(ctx context.Context, key string) {
	if s.client == nil {
		return
	}
	s.mu.Lock()
	token, ok := s.tokens[key]
	delete(s.tokens, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	current, err := s.client.Get(ctx, lockKey(key)).Result()
	if err != nil || current != token {
		return // expired or taken over; nothing to release
	}
	if err := s.client.Del(ctx, lockKey(key)).Err(); err != nil {
		s.logger.Warn("advisory lock release failed, ttl will reclaim it",
			zap.String("lock", key), zap.Error(err))
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

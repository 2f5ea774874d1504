package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8" // v8.11.5
	"github.com/pkg/errors"        // v0.9.1
	"go.uber.org/zap"              // v1.26.0
)

// LockStore manages the per-conversation trigger-intent locks. A live lock
// means a delayed trigger is already scheduled for the current burst, so
// subsequent fragments must not schedule another.
type LockStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
}

// NewLockStore creates a lock store over the given Redis client
func NewLockStore(client *redis.Client, keyPrefix string, logger *zap.Logger) *LockStore {
	return &LockStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

// TryAcquire attempts a conditional only-if-absent insert of the lock with
// the given TTL. It returns true when this caller created the lock and
// false when a live lock already exists. Contention is not an error.
func (s *LockStore) TryAcquire(ctx context.Context, conversationID string, ttl time.Duration) (bool, error) {
	acquired, err := s.client.SetNX(ctx, s.key(conversationID), time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to acquire trigger lock")
	}

	if acquired {
		s.logger.Debug("trigger lock acquired",
			zap.String("conversation_id", conversationID),
			zap.Duration("ttl", ttl))
	}
	return acquired, nil
}

// Release deletes the lock. Idempotent: releasing an absent or already
// expired lock is not an error.
func (s *LockStore) Release(ctx context.Context, conversationID string) error {
	if err := s.client.Del(ctx, s.key(conversationID)).Err(); err != nil {
		return errors.Wrap(err, "failed to release trigger lock")
	}
	return nil
}

func (s *LockStore) key(conversationID string) string {
	return s.keyPrefix + ":" + conversationID
}

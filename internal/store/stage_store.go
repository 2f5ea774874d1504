// Package store provides the Redis-backed transient state stores: staged
// message fragments and trigger-intent locks.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8" // v8.11.5
	"github.com/pkg/errors"        // v0.9.1
	"go.uber.org/zap"              // v1.26.0

	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

// StageStore stages inbound fragments per conversation. Each conversation
// maps to one hash keyed by message SID, so webhook re-deliveries are
// idempotent overwrites and a burst expires as a unit.
type StageStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	logger    *zap.Logger
}

// NewStageStore creates a stage store over the given Redis client
func NewStageStore(client *redis.Client, keyPrefix string, ttl time.Duration, logger *zap.Logger) *StageStore {
	return &StageStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		logger:    logger,
	}
}

// Put upserts a fragment. An existing (conversation_id, message_sid) entry
// is overwritten, which makes re-delivered webhooks idempotent.
func (s *StageStore) Put(ctx context.Context, fragment *models.StagedFragment) error {
	if fragment.ConversationID == "" || fragment.MessageSID == "" {
		return errors.New("fragment conversation ID and message SID are required")
	}

	data, err := json.Marshal(fragment)
	if err != nil {
		return errors.Wrap(err, "failed to marshal staged fragment")
	}

	key := s.key(fragment.ConversationID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fragment.MessageSID, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, "failed to stage fragment")
	}

	s.logger.Debug("fragment staged",
		zap.String("conversation_id", fragment.ConversationID),
		zap.String("message_sid", fragment.MessageSID))
	return nil
}

// Query returns all live fragments for a conversation. The read is
// consistent with prior Puts for the same conversation.
func (s *StageStore) Query(ctx context.Context, conversationID string) ([]*models.StagedFragment, error) {
	entries, err := s.client.HGetAll(ctx, s.key(conversationID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to query staged fragments")
	}

	fragments := make([]*models.StagedFragment, 0, len(entries))
	for sid, raw := range entries {
		var fragment models.StagedFragment
		if err := json.Unmarshal([]byte(raw), &fragment); err != nil {
			s.logger.Warn("skipping undecodable staged fragment",
				zap.String("conversation_id", conversationID),
				zap.String("message_sid", sid),
				zap.Error(err))
			continue
		}
		fragments = append(fragments, &fragment)
	}

	return fragments, nil
}

// BulkDelete removes the given staged fragments. Best effort: residual
// entries are cleared by the key TTL.
func (s *StageStore) BulkDelete(ctx context.Context, conversationID string, messageSIDs []string) error {
	if len(messageSIDs) == 0 {
		return nil
	}

	fields := make([]string, len(messageSIDs))
	copy(fields, messageSIDs)

	if err := s.client.HDel(ctx, s.key(conversationID), fields...).Err(); err != nil {
		return errors.Wrap(err, "failed to delete staged fragments")
	}
	return nil
}

func (s *StageStore) key(conversationID string) string {
	return s.keyPrefix + ":" + conversationID
}

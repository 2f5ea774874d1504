package queue

import (
	"context"
	"time"

	"github.com/pkg/errors" // v0.9.1
	"go.uber.org/zap"       // v1.26.0

	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

// TriggerScheduler enqueues exactly one delayed processing trigger per
// conversation burst onto the channel-specific delay queue. The caller is
// responsible for holding the trigger lock; the scheduler itself does no
// deduplication.
type TriggerScheduler struct {
	queues map[string]*DelayQueue
	logger *zap.Logger
}

// NewTriggerScheduler creates a scheduler over the per-channel delay queues,
// keyed by channel name.
func NewTriggerScheduler(queues map[string]*DelayQueue, logger *zap.Logger) *TriggerScheduler {
	return &TriggerScheduler{
		queues: queues,
		logger: logger,
	}
}

// Enqueue schedules a processing trigger that becomes visible after the
// batch window elapses.
func (s *TriggerScheduler) Enqueue(ctx context.Context, trigger *models.TriggerMessage, channel string, delay time.Duration) error {
	q, ok := s.queues[channel]
	if !ok {
		return errors.Errorf("no delay queue for channel %q", channel)
	}

	payload, err := trigger.ToJSON()
	if err != nil {
		return err
	}

	if err := q.Enqueue(ctx, payload, delay); err != nil {
		return errors.Wrap(err, "failed to schedule trigger")
	}

	s.logger.Info("processing trigger scheduled",
		zap.String("conversation_id", trigger.ConversationID),
		zap.String("channel", channel),
		zap.Duration("delay", delay))
	return nil
}

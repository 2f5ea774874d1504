package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"                          // v0.9.1
	"github.com/prometheus/client_golang/prometheus" // v1.17.0
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap" // v1.26.0

	"github.com/whatsapp-web-enhancement/reply-service/internal/assistant"
	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
	"github.com/whatsapp-web-enhancement/reply-service/internal/queue"
	"github.com/whatsapp-web-enhancement/reply-service/internal/repository"
	"github.com/whatsapp-web-enhancement/reply-service/internal/secrets"
	"github.com/whatsapp-web-enhancement/reply-service/pkg/channel"
)

// Processing metrics
var (
	turnsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "processor_turns_total",
			Help: "Total number of processing attempts by outcome",
		},
		[]string{"outcome"},
	)

	turnDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "processor_turn_duration_seconds",
			Help:    "Duration of full reply turns in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
	)
)

// ConversationStore is the conversation-record surface the processor needs
type ConversationStore interface {
	GetByID(ctx context.Context, conversationID string) (*models.ConversationRecord, error)
	AcquireLease(ctx context.Context, conversationID string, staleAfter time.Duration) error
	ReleaseLease(ctx context.Context, conversationID, toStatus string) error
	CommitTurn(ctx context.Context, conversationID string, userMsg, assistantMsg models.ConversationMessage, usage models.TokenUsage) error
}

// FragmentDrainer is the staging surface the processor needs
type FragmentDrainer interface {
	Query(ctx context.Context, conversationID string) ([]*models.StagedFragment, error)
	BulkDelete(ctx context.Context, conversationID string, messageSIDs []string) error
}

// LockReleaser releases trigger locks after a committed turn
type LockReleaser interface {
	Release(ctx context.Context, conversationID string) error
}

// TurnDriver drives one assistant turn
type TurnDriver interface {
	RunTurn(ctx context.Context, apiKey, threadID, assistantID, userBody string) (*assistant.TurnResult, error)
}

// ReplySender dispatches the assistant reply to the user
type ReplySender interface {
	Send(ctx context.Context, creds *secrets.ChannelCredentials, to, from, body string) (*channel.SendReceipt, error)
}

// HandoffPublisher diverts conversations flagged for a human agent
type HandoffPublisher interface {
	Enqueue(ctx context.Context, payload []byte, delay time.Duration) error
}

// handoffNotice is the payload published for diverted conversations
type handoffNotice struct {
	ConversationID string `json:"conversation_id"`
	PrimaryChannel string `json:"primary_channel"`
	Body           string `json:"body"`
}

// Coordinator orchestrates one reply turn per delivered trigger: lease,
// drain, merge, assistant turn, outbound send, atomic commit, cleanup.
type Coordinator struct {
	conversations ConversationStore
	stage         FragmentDrainer
	locks         LockReleaser
	merger        *BatchMerger
	driver        TurnDriver
	sender        ReplySender
	handoff       HandoffPublisher
	secrets       secrets.Resolver
	heartbeat     *Heartbeat

	leaseStaleAfter time.Duration
	logger          *zap.Logger
}

// NewCoordinator creates a processing coordinator
func NewCoordinator(
	conversations ConversationStore,
	stage FragmentDrainer,
	locks LockReleaser,
	merger *BatchMerger,
	driver TurnDriver,
	sender ReplySender,
	handoff HandoffPublisher,
	secretResolver secrets.Resolver,
	heartbeat *Heartbeat,
	leaseStaleAfter time.Duration,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		conversations:   conversations,
		stage:           stage,
		locks:           locks,
		merger:          merger,
		driver:          driver,
		sender:          sender,
		handoff:         handoff,
		secrets:         secretResolver,
		heartbeat:       heartbeat,
		leaseStaleAfter: leaseStaleAfter,
		logger:          logger,
	}
}

// Process handles one delivered trigger. It owns the delivery's lifecycle:
// acked when the turn committed or the trigger is definitively moot,
// abandoned (left to the visibility timeout and redelivery) on retryable
// failures.
func (c *Coordinator) Process(ctx context.Context, delivery *queue.Delivery) {
	timer := prometheus.NewTimer(turnDuration)
	defer timer.ObserveDuration()

	var trigger models.TriggerMessage
	if err := json.Unmarshal(delivery.Payload, &trigger); err != nil {
		turnsProcessed.WithLabelValues("malformed_trigger").Inc()
		c.logger.Error("dropping undecodable trigger", zap.Error(err))
		c.ack(ctx, delivery)
		return
	}

	log := c.logger.With(zap.String("conversation_id", trigger.ConversationID))

	// Step 1: lease acquisition. Contention means another processor holds a
	// fresh lease on this conversation or the record does not exist; either
	// way the trigger is consumed without work.
	if err := c.conversations.AcquireLease(ctx, trigger.ConversationID, c.leaseStaleAfter); err != nil {
		if errors.Is(err, repository.ErrLeaseContention) || errors.Is(err, repository.ErrConversationNotFound) {
			turnsProcessed.WithLabelValues("lease_contention").Inc()
			log.Info("trigger consumed without work", zap.Error(err))
			c.ack(ctx, delivery)
			return
		}
		turnsProcessed.WithLabelValues("lease_error").Inc()
		log.Error("failed to acquire lease", zap.Error(err))
		return
	}

	// Step 2: keep the trigger invisible for as long as we hold the lease
	stopHeartbeat := c.heartbeat.Start(ctx, delivery)
	defer stopHeartbeat()

	// Any failure past this point releases the lease to retry so the
	// queue's redelivery drives the next attempt. A successful commit or
	// an explicit release disarms this.
	leaseReleased := false
	defer func() {
		if !leaseReleased {
			c.releaseLease(trigger.ConversationID, models.ConversationStatusRetry, log)
		}
	}()

	// Step 3: drain the staged burst
	fragments, err := c.stage.Query(ctx, trigger.ConversationID)
	if err != nil {
		turnsProcessed.WithLabelValues("stage_error").Inc()
		log.Error("failed to drain staged fragments", zap.Error(err))
		return
	}
	if len(fragments) == 0 {
		// The trigger fired after a prior processor already swept this
		// burst. Restore the committed state and clear any leftover lock.
		turnsProcessed.WithLabelValues("stage_empty").Inc()
		log.Info("stage empty, consuming stale trigger")
		c.releaseLease(trigger.ConversationID, models.ConversationStatusReplySent, log)
		leaseReleased = true
		c.releaseLock(ctx, trigger.ConversationID, log)
		c.ack(ctx, delivery)
		return
	}

	// Step 4: merge the burst into a single deterministic user turn
	merged := c.merger.Merge(fragments)

	// Step 5: hydrate and gate
	record, err := c.conversations.GetByID(ctx, trigger.ConversationID)
	if err != nil {
		turnsProcessed.WithLabelValues("hydrate_error").Inc()
		log.Error("failed to hydrate conversation", zap.Error(err))
		return
	}

	if record.HandOffToHuman {
		c.divertToHandoff(ctx, delivery, record, merged, log)
		leaseReleased = true
		return
	}

	if err := record.ReadyForReply(); err != nil {
		turnsProcessed.WithLabelValues("not_ready").Inc()
		log.Error("conversation not ready for reply", zap.Error(err))
		return
	}

	// Step 6: resolve per-tenant credentials
	aiKey, err := c.secrets.AIAPIKey(record.AIConfig.CredentialRef)
	if err != nil {
		turnsProcessed.WithLabelValues("credential_error").Inc()
		log.Error("failed to resolve AI credential", zap.Error(err))
		return
	}
	chanCreds, err := c.secrets.ChannelCredentials(record.ChannelConfig.CredentialRef)
	if err != nil {
		turnsProcessed.WithLabelValues("credential_error").Inc()
		log.Error("failed to resolve channel credential", zap.Error(err))
		return
	}

	// Step 7: drive the assistant turn
	result, err := c.driver.RunTurn(ctx, aiKey, record.ThreadID, record.AIConfig.AssistantID, merged.Body)
	if err != nil {
		turnsProcessed.WithLabelValues("assistant_error").Inc()
		log.Error("assistant turn failed", zap.Error(err))
		return
	}

	// Step 8: dispatch the reply
	receipt, err := c.sender.Send(ctx, chanCreds, record.PrimaryChannel, record.ChannelConfig.CompanyIdentifier, result.Reply)
	if err != nil {
		turnsProcessed.WithLabelValues("outbound_error").Inc()
		log.Error("outbound send failed", zap.Error(err))
		return
	}

	// Step 9: atomic end-of-turn commit of both sides of the exchange
	userMsg := models.ConversationMessage{
		Role:        models.RoleUser,
		Content:     merged.Body,
		Timestamp:   merged.MergedAt,
		MessageSIDs: merged.MessageSIDs,
	}
	assistantMsg := models.ConversationMessage{
		Role:       models.RoleAssistant,
		Content:    result.Reply,
		Timestamp:  receipt.SentAt,
		TokenCount: result.Usage.CompletionTokens,
		MessageSID: receipt.MessageSID,
	}
	if err := c.conversations.CommitTurn(ctx, trigger.ConversationID, userMsg, assistantMsg, result.Usage); err != nil {
		// The reply went out but nothing was recorded; fragments and lock
		// stay so a redrive re-drains the same burst.
		turnsProcessed.WithLabelValues("commit_failed").Inc()
		log.Error("turn commit failed", zap.Error(err))
		if errors.Is(err, repository.ErrCommitFailed) {
			// The lease condition no longer held, so it is not ours to release
			leaseReleased = true
		}
		return
	}
	leaseReleased = true

	// Step 10: cleanup is best effort once the commit landed; residual
	// rows age out via TTL
	if err := c.stage.BulkDelete(ctx, trigger.ConversationID, merged.MessageSIDs); err != nil {
		log.Warn("failed to delete staged fragments", zap.Error(err))
	}
	c.releaseLock(ctx, trigger.ConversationID, log)

	// Step 11: done with the trigger
	c.ack(ctx, delivery)
	turnsProcessed.WithLabelValues("committed").Inc()
	log.Info("reply turn committed",
		zap.Int("fragments", len(fragments)),
		zap.String("outbound_sid", receipt.MessageSID),
		zap.Int("total_tokens", result.Usage.TotalTokens))
}

// divertToHandoff routes a flagged conversation to the human handoff queue
// instead of driving an assistant turn. The staged burst is consumed and
// no history is appended.
func (c *Coordinator) divertToHandoff(ctx context.Context, delivery *queue.Delivery, record *models.ConversationRecord, merged *MergedTurn, log *zap.Logger) {
	notice := handoffNotice{
		ConversationID: record.ConversationID,
		PrimaryChannel: record.PrimaryChannel,
		Body:           merged.Body,
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		log.Error("failed to marshal handoff notice", zap.Error(err))
		c.releaseLease(record.ConversationID, models.ConversationStatusRetry, log)
		return
	}

	if err := c.handoff.Enqueue(ctx, payload, 0); err != nil {
		turnsProcessed.WithLabelValues("handoff_error").Inc()
		log.Error("failed to publish handoff notice", zap.Error(err))
		c.releaseLease(record.ConversationID, models.ConversationStatusRetry, log)
		return
	}

	c.releaseLease(record.ConversationID, models.ConversationStatusHandoffRequired, log)
	if err := c.stage.BulkDelete(ctx, record.ConversationID, merged.MessageSIDs); err != nil {
		log.Warn("failed to delete staged fragments", zap.Error(err))
	}
	c.releaseLock(ctx, record.ConversationID, log)
	c.ack(ctx, delivery)

	turnsProcessed.WithLabelValues("handoff").Inc()
	log.Info("conversation diverted to human handoff")
}

// releaseLease releases the processing lease with its own deadline so a
// cancelled turn can still restore the record
func (c *Coordinator) releaseLease(conversationID, toStatus string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.conversations.ReleaseLease(ctx, conversationID, toStatus); err != nil {
		log.Error("failed to release processing lease",
			zap.String("to_status", toStatus),
			zap.Error(err))
	}
}

// releaseLock clears the trigger lock so the next burst can schedule
func (c *Coordinator) releaseLock(ctx context.Context, conversationID string, log *zap.Logger) {
	if err := c.locks.Release(ctx, conversationID); err != nil {
		log.Warn("failed to release trigger lock", zap.Error(err))
	}
}

// ack deletes the trigger from the queue
func (c *Coordinator) ack(ctx context.Context, delivery *queue.Delivery) {
	if err := delivery.Ack(ctx); err != nil {
		c.logger.Error("failed to ack trigger", zap.Error(err))
	}
}

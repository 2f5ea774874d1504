package ingest

import (
	"context"
	"net/url"
	"time"

	"github.com/pkg/errors"                          // v0.9.1
	"github.com/prometheus/client_golang/prometheus" // v1.17.0
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap" // v1.26.0

	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
	"github.com/whatsapp-web-enhancement/reply-service/internal/secrets"
)

// Ingest metrics
var (
	ingestTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_webhooks_total",
			Help: "Total number of ingested webhooks by outcome",
		},
		[]string{"channel", "outcome"},
	)

	ingestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_webhook_duration_seconds",
			Help:    "Duration of webhook ingest handling in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)
)

// FragmentStager is the staging slice the coordinator needs
type FragmentStager interface {
	Put(ctx context.Context, fragment *models.StagedFragment) error
}

// TriggerLocker is the trigger-lock slice the coordinator needs
type TriggerLocker interface {
	TryAcquire(ctx context.Context, conversationID string, ttl time.Duration) (bool, error)
}

// TriggerEnqueuer schedules the delayed processing trigger
type TriggerEnqueuer interface {
	Enqueue(ctx context.Context, trigger *models.TriggerMessage, channel string, delay time.Duration) error
}

// Coordinator orchestrates the ingest pipeline: parse, resolve, verify,
// stage, then schedule at most one delayed trigger per burst. Every exit
// path yields the provider-compliant empty ack so the provider never
// retries a permanently failing webhook.
type Coordinator struct {
	adapter   *PayloadAdapter
	resolver  *ConversationResolver
	verifier  *SignatureVerifier
	secrets   secrets.Resolver
	stager    FragmentStager
	locks     TriggerLocker
	scheduler TriggerEnqueuer

	window   time.Duration
	lockTTL  time.Duration
	stageTTL time.Duration
	logger   *zap.Logger
}

// NewCoordinator creates an ingest coordinator
func NewCoordinator(
	adapter *PayloadAdapter,
	resolver *ConversationResolver,
	verifier *SignatureVerifier,
	secretResolver secrets.Resolver,
	stager FragmentStager,
	locks TriggerLocker,
	scheduler TriggerEnqueuer,
	window, lockTTL, stageTTL time.Duration,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		adapter:   adapter,
		resolver:  resolver,
		verifier:  verifier,
		secrets:   secretResolver,
		stager:    stager,
		locks:     locks,
		scheduler: scheduler,
		window:    window,
		lockTTL:   lockTTL,
		stageTTL:  stageTTL,
		logger:    logger,
	}
}

// Ingest runs the pipeline for one webhook. The returned error reports why
// a webhook was not staged; callers still acknowledge the provider with the
// empty 200 body on every path. Staging strictly precedes scheduling, so a
// fired trigger can never find an empty stage for its own fragment.
func (c *Coordinator) Ingest(ctx context.Context, channel, rawURL string, form url.Values, signature string) error {
	timer := prometheus.NewTimer(ingestDuration.WithLabelValues(channel))
	defer timer.ObserveDuration()

	fragment, err := c.adapter.Adapt(channel, form)
	if err != nil {
		ingestTotal.WithLabelValues(channel, "malformed").Inc()
		c.logger.Warn("rejected malformed webhook", zap.String("channel", channel), zap.Error(err))
		return err
	}

	resolution, err := c.resolver.Resolve(ctx, fragment)
	if err != nil {
		ingestTotal.WithLabelValues(channel, "unknown_conversation").Inc()
		c.logger.Warn("webhook for unknown conversation",
			zap.String("channel", channel),
			zap.String("from", fragment.From),
			zap.String("to", fragment.To),
			zap.Error(err))
		return err
	}

	creds, err := c.secrets.ChannelCredentials(resolution.CredentialRef)
	if err != nil {
		ingestTotal.WithLabelValues(channel, "credential_error").Inc()
		c.logger.Error("failed to resolve verification credential",
			zap.String("conversation_id", resolution.ConversationID),
			zap.Error(err))
		return err
	}

	if err := c.verifier.Verify(rawURL, form, signature, creds.AuthToken); err != nil {
		ingestTotal.WithLabelValues(channel, "signature_invalid").Inc()
		c.logger.Warn("webhook signature verification failed",
			zap.String("conversation_id", resolution.ConversationID),
			zap.Error(err))
		return err
	}

	now := time.Now().UTC()
	staged := &models.StagedFragment{
		ConversationID: resolution.ConversationID,
		MessageSID:     fragment.MessageSID,
		Body:           fragment.Body,
		PrimaryChannel: fragment.From,
		ReceivedAt:     now,
		ExpiresAt:      now.Add(c.stageTTL),
	}
	if err := c.stager.Put(ctx, staged); err != nil {
		ingestTotal.WithLabelValues(channel, "stage_error").Inc()
		c.logger.Error("failed to stage fragment",
			zap.String("conversation_id", resolution.ConversationID),
			zap.String("message_sid", fragment.MessageSID),
			zap.Error(err))
		return errors.Wrap(err, "staging failed")
	}

	acquired, err := c.locks.TryAcquire(ctx, resolution.ConversationID, c.lockTTL)
	if err != nil {
		ingestTotal.WithLabelValues(channel, "lock_error").Inc()
		c.logger.Error("failed to check trigger lock",
			zap.String("conversation_id", resolution.ConversationID),
			zap.Error(err))
		return errors.Wrap(err, "trigger lock failed")
	}

	if !acquired {
		// A trigger for this burst is already scheduled; its sweep will
		// pick up the fragment staged above.
		ingestTotal.WithLabelValues(channel, "staged").Inc()
		c.logger.Debug("fragment joins existing burst",
			zap.String("conversation_id", resolution.ConversationID),
			zap.String("message_sid", fragment.MessageSID))
		return nil
	}

	trigger := &models.TriggerMessage{
		ConversationID: resolution.ConversationID,
		PrimaryChannel: fragment.From,
	}
	if err := c.scheduler.Enqueue(ctx, trigger, channel, c.window); err != nil {
		ingestTotal.WithLabelValues(channel, "schedule_error").Inc()
		c.logger.Error("failed to schedule processing trigger",
			zap.String("conversation_id", resolution.ConversationID),
			zap.Error(err))
		return errors.Wrap(err, "trigger scheduling failed")
	}

	ingestTotal.WithLabelValues(channel, "staged_and_scheduled").Inc()
	return nil
}

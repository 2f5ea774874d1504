// Package repository provides the data access layer for the durable
// conversation store shared with the outbound engine.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"                          // v0.9.1
	"github.com/prometheus/client_golang/prometheus" // v1.17.0
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/whatsapp-web-enhancement/reply-service/internal/config"
	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

// Repository metrics
var (
	conversationOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_repository_operations_total",
			Help: "Total number of conversation repository operations",
		},
		[]string{"operation", "status"},
	)

	conversationOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversation_repository_operation_duration_seconds",
			Help:    "Duration of conversation repository operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Operation constants
const (
	defaultQueryTimeout = 30 * time.Second
)

// Sentinel errors for the repository's conditional operations
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrLeaseContention      = errors.New("processing lease held by another processor")
	ErrCommitFailed         = errors.New("conversation commit condition failed")
)

// ConversationRepository provides access to the conversations table. The
// lease and commit operations are conditional single-record updates; the
// status column doubles as the processing lease.
type ConversationRepository struct {
	db    *sql.DB
	table string

	getByIDSQL      string
	lookupSQL       string
	acquireLeaseSQL string
	releaseLeaseSQL string
	commitTurnSQL   string
}

// NewConversationRepository creates a repository over the configured
// conversations table with connection pooling applied.
func NewConversationRepository(db *sql.DB, cfg *config.Config) (*ConversationRepository, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	table := cfg.Stores.ConversationsTable

	r := &ConversationRepository{
		db:    db,
		table: table,
	}

	const columns = `conversation_id, primary_channel, messages, conversation_status,
		channel_config, ai_config, thread_id, hand_off_to_human,
		prompt_tokens, completion_tokens, total_tokens, created_at, updated_at`

	r.getByIDSQL = fmt.Sprintf(`
		SELECT %s FROM %s WHERE conversation_id = $1`, columns, table)

	// Secondary lookup used by the ingest resolver: the company-side
	// identifier plus the user-side identifier locate the conversation.
	r.lookupSQL = fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE company_identifier = $1 AND primary_channel = $2`, columns, table)

	// The lease is taken when no processor holds it, or stolen when the
	// record's updated_at (set when the lease was taken) is older than the
	// staleness bound (a processor that crashed without releasing).
	r.acquireLeaseSQL = fmt.Sprintf(`
		UPDATE %s
		SET conversation_status = $2, updated_at = now()
		WHERE conversation_id = $1
		  AND (conversation_status <> $2
		       OR updated_at < now() - ($3 * interval '1 second'))`, table)

	r.releaseLeaseSQL = fmt.Sprintf(`
		UPDATE %s
		SET conversation_status = $2, updated_at = now()
		WHERE conversation_id = $1 AND conversation_status = $3`, table)

	// End-of-turn commit: one atomic list-append of both turn entries with
	// a status condition, per the store's single-record update guarantee.
	r.commitTurnSQL = fmt.Sprintf(`
		UPDATE %s
		SET messages = messages || $2::jsonb,
		    prompt_tokens = prompt_tokens + $3,
		    completion_tokens = completion_tokens + $4,
		    total_tokens = total_tokens + $5,
		    conversation_status = $6,
		    updated_at = now()
		WHERE conversation_id = $1 AND conversation_status = $7`, table)

	return r, nil
}

// GetByID hydrates the full conversation record
func (r *ConversationRepository) GetByID(ctx context.Context, conversationID string) (*models.ConversationRecord, error) {
	timer := prometheus.NewTimer(conversationOpDuration.WithLabelValues("get_by_id"))
	defer timer.ObserveDuration()

	record, err := r.scanOne(r.db.QueryRowContext(ctx, r.getByIDSQL, conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			conversationOps.WithLabelValues("get_by_id", "not_found").Inc()
			return nil, errors.Wrapf(ErrConversationNotFound, "conversation %s", conversationID)
		}
		conversationOps.WithLabelValues("get_by_id", "error").Inc()
		return nil, errors.Wrap(err, "failed to get conversation")
	}

	conversationOps.WithLabelValues("get_by_id", "success").Inc()
	return record, nil
}

// LookupByParticipants returns the record for a (company identifier, user
// identifier) pair via the secondary index. Used by the ingest resolver,
// where the webhook's To/From addressing is all that is known.
func (r *ConversationRepository) LookupByParticipants(ctx context.Context, companyIdentifier, userIdentifier string) (*models.ConversationRecord, error) {
	timer := prometheus.NewTimer(conversationOpDuration.WithLabelValues("lookup"))
	defer timer.ObserveDuration()

	record, err := r.scanOne(r.db.QueryRowContext(ctx, r.lookupSQL, companyIdentifier, userIdentifier))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			conversationOps.WithLabelValues("lookup", "not_found").Inc()
			return nil, errors.Wrapf(ErrConversationNotFound, "participants (%s, %s)", companyIdentifier, userIdentifier)
		}
		conversationOps.WithLabelValues("lookup", "error").Inc()
		return nil, errors.Wrap(err, "failed to look up conversation")
	}

	conversationOps.WithLabelValues("lookup", "success").Inc()
	return record, nil
}

// AcquireLease performs the compare-and-set that takes the processing lease.
// Returns ErrLeaseContention when another processor holds a fresh lease or
// the record does not exist.
func (r *ConversationRepository) AcquireLease(ctx context.Context, conversationID string, staleAfter time.Duration) error {
	timer := prometheus.NewTimer(conversationOpDuration.WithLabelValues("acquire_lease"))
	defer timer.ObserveDuration()

	res, err := r.db.ExecContext(ctx, r.acquireLeaseSQL,
		conversationID,
		models.ConversationStatusProcessingReply,
		int64(staleAfter.Seconds()),
	)
	if err != nil {
		conversationOps.WithLabelValues("acquire_lease", "error").Inc()
		return errors.Wrap(err, "failed to acquire processing lease")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		conversationOps.WithLabelValues("acquire_lease", "error").Inc()
		return errors.Wrap(err, "failed to read lease result")
	}
	if affected == 0 {
		conversationOps.WithLabelValues("acquire_lease", "contention").Inc()
		return errors.Wrapf(ErrLeaseContention, "conversation %s", conversationID)
	}

	conversationOps.WithLabelValues("acquire_lease", "success").Inc()
	return nil
}

// ReleaseLease moves a held lease to the given non-processing status. The
// update is conditional on still holding the lease, so a stolen lease is
// never clobbered; releasing an unheld lease is a no-op.
func (r *ConversationRepository) ReleaseLease(ctx context.Context, conversationID, toStatus string) error {
	timer := prometheus.NewTimer(conversationOpDuration.WithLabelValues("release_lease"))
	defer timer.ObserveDuration()

	if !models.IsValidStatusTransition(models.ConversationStatusProcessingReply, toStatus) {
		return errors.Errorf("invalid lease release status %q", toStatus)
	}

	_, err := r.db.ExecContext(ctx, r.releaseLeaseSQL,
		conversationID,
		toStatus,
		models.ConversationStatusProcessingReply,
	)
	if err != nil {
		conversationOps.WithLabelValues("release_lease", "error").Inc()
		return errors.Wrap(err, "failed to release processing lease")
	}

	conversationOps.WithLabelValues("release_lease", "success").Inc()
	return nil
}

// CommitTurn atomically appends the user and assistant turn entries, rolls
// the token totals forward and transitions the status to reply_sent. If the
// status condition no longer holds, nothing is written and ErrCommitFailed
// is returned.
func (r *ConversationRepository) CommitTurn(ctx context.Context, conversationID string, userMsg, assistantMsg models.ConversationMessage, usage models.TokenUsage) error {
	timer := prometheus.NewTimer(conversationOpDuration.WithLabelValues("commit_turn"))
	defer timer.ObserveDuration()

	turn, err := json.Marshal([]models.ConversationMessage{userMsg, assistantMsg})
	if err != nil {
		conversationOps.WithLabelValues("commit_turn", "error").Inc()
		return errors.Wrap(err, "failed to marshal turn entries")
	}

	res, err := r.db.ExecContext(ctx, r.commitTurnSQL,
		conversationID,
		turn,
		usage.PromptTokens,
		usage.CompletionTokens,
		usage.TotalTokens,
		models.ConversationStatusReplySent,
		models.ConversationStatusProcessingReply,
	)
	if err != nil {
		conversationOps.WithLabelValues("commit_turn", "error").Inc()
		return errors.Wrap(err, "failed to commit conversation turn")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		conversationOps.WithLabelValues("commit_turn", "error").Inc()
		return errors.Wrap(err, "failed to read commit result")
	}
	if affected == 0 {
		conversationOps.WithLabelValues("commit_turn", "condition_failed").Inc()
		return errors.Wrapf(ErrCommitFailed, "conversation %s", conversationID)
	}

	conversationOps.WithLabelValues("commit_turn", "success").Inc()
	return nil
}

// Ping verifies database connectivity for health reporting
func (r *ConversationRepository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultQueryTimeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

// scanOne scans a single conversation row
func (r *ConversationRepository) scanOne(row *sql.Row) (*models.ConversationRecord, error) {
	var record models.ConversationRecord
	var messagesJSON, channelConfigJSON, aiConfigJSON []byte
	var threadID sql.NullString

	err := row.Scan(
		&record.ConversationID,
		&record.PrimaryChannel,
		&messagesJSON,
		&record.ConversationStatus,
		&channelConfigJSON,
		&aiConfigJSON,
		&threadID,
		&record.HandOffToHuman,
		&record.TokenUsage.PromptTokens,
		&record.TokenUsage.CompletionTokens,
		&record.TokenUsage.TotalTokens,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(messagesJSON, &record.Messages); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal messages")
	}
	if err := json.Unmarshal(channelConfigJSON, &record.ChannelConfig); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal channel config")
	}
	if err := json.Unmarshal(aiConfigJSON, &record.AIConfig); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal AI config")
	}
	if threadID.Valid {
		record.ThreadID = threadID.String
	}

	return &record, nil
}

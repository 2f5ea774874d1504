// Package models provides the conversation and fragment data models for the reply service
package models

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/pkg/errors" // v0.9.1
)

// Conversation status constants covering the full reply lifecycle.
// ConversationStatusProcessingReply doubles as the processing lease.
const (
	ConversationStatusTemplateSent    = "template_sent"
	ConversationStatusProcessingReply = "processing_reply"
	ConversationStatusReplySent       = "reply_sent"
	ConversationStatusRetry           = "retry"
	ConversationStatusHandoffRequired = "handoff_required"
)

// Message roles within a conversation history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// PhoneNumberPattern validates E.164 phone numbers used as channel identifiers
const PhoneNumberPattern = `^\+[1-9]\d{1,14}$`

var phoneNumberRegex = regexp.MustCompile(PhoneNumberPattern)

// ConversationMessage is a single turn entry in the conversation history.
// User entries carry the staged message SIDs that were merged into the body;
// assistant entries carry the provider-issued outbound message SID.
type ConversationMessage struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
	TokenCount  int       `json:"token_count,omitempty"`
	MessageSID  string    `json:"message_sid,omitempty"`
	MessageSIDs []string  `json:"message_sids,omitempty"`
}

// ChannelConfig holds the channel-provider parameters for a conversation
type ChannelConfig struct {
	CompanyIdentifier string `json:"company_identifier"`
	CredentialRef     string `json:"credential_ref"`
	APIEndpoint       string `json:"api_endpoint,omitempty"`
}

// AIConfig holds the AI-provider parameters for a conversation
type AIConfig struct {
	CredentialRef string `json:"credential_ref"`
	AssistantID   string `json:"assistant_id"`
}

// TokenUsage tracks rolling token totals across committed turns
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ConversationRecord is the durable conversation entity shared with the
// outbound engine. It is created by the outbound engine when the initial
// template is sent; the reply service only leases and appends to it.
type ConversationRecord struct {
	ConversationID     string                `json:"conversation_id"`
	PrimaryChannel     string                `json:"primary_channel"`
	Messages           []ConversationMessage `json:"messages"`
	ConversationStatus string                `json:"conversation_status"`
	ChannelConfig      ChannelConfig         `json:"channel_config"`
	AIConfig           AIConfig              `json:"ai_config"`
	ThreadID           string                `json:"thread_id"`
	HandOffToHuman     bool                  `json:"hand_off_to_human"`
	TokenUsage         TokenUsage            `json:"token_usage"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// Validate checks that a record hydrated from the store is well formed
func (r *ConversationRecord) Validate() error {
	if r.ConversationID == "" {
		return errors.New("conversation ID is required")
	}
	if !phoneNumberRegex.MatchString(r.PrimaryChannel) {
		return errors.New("invalid primary channel phone number")
	}
	if !IsValidConversationStatus(r.ConversationStatus) {
		return errors.New("invalid conversation status")
	}
	return nil
}

// ReadyForReply reports whether the record can be driven through an AI turn.
// A record seeded without a thread handle never reaches the assistant.
func (r *ConversationRecord) ReadyForReply() error {
	if r.ThreadID == "" {
		return errors.New("conversation has no thread ID")
	}
	return nil
}

// ToJSON serializes the record for logging and queue payloads
func (r *ConversationRecord) ToJSON() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal conversation record")
	}
	return data, nil
}

// IsValidConversationStatus reports whether s is a known lifecycle status
func IsValidConversationStatus(s string) bool {
	switch s {
	case ConversationStatusTemplateSent,
		ConversationStatusProcessingReply,
		ConversationStatusReplySent,
		ConversationStatusRetry,
		ConversationStatusHandoffRequired:
		return true
	}
	return false
}

// IsValidStatusTransition validates conversation status transitions: lease
// acquisition from template_sent, reply_sent or retry to processing_reply,
// and the commit and release paths out of processing_reply. ReleaseLease
// checks its target against this map; the AcquireLease SQL condition does
// not consult it.
func IsValidStatusTransition(from, to string) bool {
	validTransitions := map[string]map[string]bool{
		ConversationStatusTemplateSent: {
			ConversationStatusProcessingReply: true,
		},
		ConversationStatusReplySent: {
			ConversationStatusProcessingReply: true,
		},
		ConversationStatusRetry: {
			ConversationStatusProcessingReply: true,
		},
		ConversationStatusProcessingReply: {
			ConversationStatusReplySent:       true,
			ConversationStatusRetry:           true,
			ConversationStatusHandoffRequired: true,
		},
	}

	if transitions, exists := validTransitions[from]; exists {
		return transitions[to]
	}
	return false
}

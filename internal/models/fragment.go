package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors" // v0.9.1
)

// Supported inbound channels. The channel is selected from the webhook path
// and carried on every fragment so downstream components stay channel-agnostic.
const (
	ChannelWhatsApp = "whatsapp"
	ChannelSMS      = "sms"
	ChannelEmail    = "email"
)

// InboundFragment is the uniform representation of one inbound webhook
// message after channel-specific parsing.
type InboundFragment struct {
	To         string `json:"to"`
	From       string `json:"from"`
	Body       string `json:"body"`
	MessageSID string `json:"message_sid"`
	AccountSID string `json:"account_sid"`
	Channel    string `json:"channel"`
}

// Validate checks the required provider fields are present
func (f *InboundFragment) Validate() error {
	if f.To == "" {
		return errors.New("fragment recipient is required")
	}
	if f.From == "" {
		return errors.New("fragment sender is required")
	}
	if f.MessageSID == "" {
		return errors.New("fragment message SID is required")
	}
	if f.AccountSID == "" {
		return errors.New("fragment account SID is required")
	}
	if !IsValidChannel(f.Channel) {
		return errors.Errorf("unsupported channel: %s", f.Channel)
	}
	return nil
}

// StagedFragment is the short-lived staging row for one inbound fragment,
// keyed by (conversation_id, message_sid). Rows are deleted as a batch after
// a successful commit and auto-expire otherwise.
type StagedFragment struct {
	ConversationID string    `json:"conversation_id"`
	MessageSID     string    `json:"message_sid"`
	Body           string    `json:"body"`
	PrimaryChannel string    `json:"primary_channel"`
	ReceivedAt     time.Time `json:"received_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// TriggerMessage is the delay-queue payload that wakes a processor for one
// burst. Full context is hydrated from the conversation store, so the
// payload stays minimal.
type TriggerMessage struct {
	ConversationID string `json:"conversation_id"`
	PrimaryChannel string `json:"primary_channel"`
}

// ToJSON serializes the trigger payload for enqueueing
func (t *TriggerMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal trigger message")
	}
	return data, nil
}

// IsValidChannel reports whether c is a supported inbound channel
func IsValidChannel(c string) bool {
	switch c {
	case ChannelWhatsApp, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

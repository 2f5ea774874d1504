package ingest

import (
	"net/url"

	"github.com/pkg/errors" // v0.9.1

	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

// ErrPayloadMalformed indicates a webhook body missing required provider fields
var ErrPayloadMalformed = errors.New("malformed webhook payload")

// Form keys shared by the supported channels; all but Body are required
const (
	formKeyFrom       = "From"
	formKeyTo         = "To"
	formKeyBody       = "Body"
	formKeyAccountSID = "AccountSid"
	formKeyMessageSID = "MessageSid"
)

// PayloadAdapter parses a channel-specific wire format into the uniform
// InboundFragment. The channel is chosen from the webhook path; this is the
// only channel-specific code on the ingest path.
type PayloadAdapter struct{}

// NewPayloadAdapter creates a payload adapter
func NewPayloadAdapter() *PayloadAdapter {
	return &PayloadAdapter{}
}

// Adapt converts a parsed form body into an InboundFragment for the channel.
// It fails with ErrPayloadMalformed when required fields are missing.
func (a *PayloadAdapter) Adapt(channel string, form url.Values) (*models.InboundFragment, error) {
	if !models.IsValidChannel(channel) {
		return nil, errors.Wrapf(ErrPayloadMalformed, "unsupported channel %q", channel)
	}

	fragment := &models.InboundFragment{
		To:         form.Get(formKeyTo),
		From:       form.Get(formKeyFrom),
		Body:       form.Get(formKeyBody),
		MessageSID: form.Get(formKeyMessageSID),
		AccountSID: form.Get(formKeyAccountSID),
		Channel:    channel,
	}

	// Body may legitimately be empty (e.g. a media-only message); everything
	// else is required by the provider contract.
	if err := fragment.Validate(); err != nil {
		return nil, errors.Wrap(ErrPayloadMalformed, err.Error())
	}

	return fragment, nil
}

package ingest

import (
	"context"

	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

// ConversationLookup is the slice of the conversation store the resolver
// needs: the secondary lookup by participant identifiers.
type ConversationLookup interface {
	LookupByParticipants(ctx context.Context, companyIdentifier, userIdentifier string) (*models.ConversationRecord, error)
}

// Resolution carries the canonical conversation key and the credential
// reference used to verify the webhook signature for that tenant.
type Resolution struct {
	ConversationID string
	CredentialRef  string
}

// ConversationResolver maps webhook (to, from) addressing onto the
// canonical conversation. The webhook's To is the company-side identifier
// and From is the user-side identifier.
type ConversationResolver struct {
	lookup ConversationLookup
}

// NewConversationResolver creates a resolver over the conversation store
func NewConversationResolver(lookup ConversationLookup) *ConversationResolver {
	return &ConversationResolver{lookup: lookup}
}

// Resolve returns the conversation key and verification credential for a
// fragment's addressing. Unknown participants surface the store's
// not-found error, which callers must distinguish from auth failure.
func (r *ConversationResolver) Resolve(ctx context.Context, fragment *models.InboundFragment) (*Resolution, error) {
	record, err := r.lookup.LookupByParticipants(ctx, fragment.To, fragment.From)
	if err != nil {
		return nil, err
	}

	return &Resolution{
		ConversationID: record.ConversationID,
		CredentialRef:  record.ChannelConfig.CredentialRef,
	}, nil
}

package processor

import (
	"context"

	"github.com/pkg/errors"  // v0.9.1
	"go.uber.org/zap"        // v1.26.0
	"golang.org/x/time/rate" // v0.3.0

	"github.com/whatsapp-web-enhancement/reply-service/internal/secrets"
	"github.com/whatsapp-web-enhancement/reply-service/pkg/channel"
)

// Default outbound rate limit across all conversations
const defaultOutboundRate = rate.Limit(50)

// ProviderClient is the channel-provider send surface
type ProviderClient interface {
	SendMessage(ctx context.Context, creds channel.Credentials, req *channel.SendRequest) (*channel.SendReceipt, error)
}

// OutboundSender dispatches assistant replies through the channel provider
// and captures the delivery receipt. Transient provider failures are
// retried inside the client; permanent rejections surface immediately.
type OutboundSender struct {
	client      ProviderClient
	rateLimiter *rate.Limiter
	logger      *zap.Logger
}

// NewOutboundSender creates an outbound sender over the provider client
func NewOutboundSender(client ProviderClient, logger *zap.Logger) *OutboundSender {
	return &OutboundSender{
		client:      client,
		rateLimiter: rate.NewLimiter(defaultOutboundRate, 1),
		logger:      logger,
	}
}

// Send dispatches the reply text to the user over the original channel
func (s *OutboundSender) Send(ctx context.Context, creds *secrets.ChannelCredentials, to, from, body string) (*channel.SendReceipt, error) {
	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "outbound rate limit wait")
	}

	receipt, err := s.client.SendMessage(ctx, channel.Credentials{
		AccountSID: creds.AccountSID,
		AuthToken:  creds.AuthToken,
	}, &channel.SendRequest{
		To:   to,
		From: from,
		Body: body,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reply dispatched",
		zap.String("to", to),
		zap.String("message_sid", receipt.MessageSID),
		zap.String("status", receipt.Status))
	return receipt, nil
}

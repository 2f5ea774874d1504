// Package handlers provides the HTTP handlers for the reply service
package handlers

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin" // v1.9.1
	"go.uber.org/zap"          // v1.26.0

	"github.com/whatsapp-web-enhancement/reply-service/internal/ingest"
	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

// Webhook handling constants
const (
	// ingestTimeout bounds one webhook's staging work
	ingestTimeout = 10 * time.Second

	// maxWebhookPayloadSize caps the form body read from the provider
	maxWebhookPayloadSize = 1024 * 64

	// emptyProviderAck is the provider-compliant empty response body. It is
	// returned on every path, including failures, so the provider does not
	// retry permanently failing webhooks.
	emptyProviderAck = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

// IngestCoordinator is the ingest pipeline surface the handler drives
type IngestCoordinator interface {
	Ingest(ctx context.Context, channel, rawURL string, form url.Values, signature string) error
}

// WebhookHandler receives inbound reply webhooks from the channel provider
type WebhookHandler struct {
	coordinator IngestCoordinator
	logger      *zap.Logger
}

// NewWebhookHandler creates a webhook handler over the ingest coordinator
func NewWebhookHandler(coordinator IngestCoordinator, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		coordinator: coordinator,
		logger:      logger,
	}
}

// HandleWebhook processes one inbound webhook for the channel named in the
// request path. The response is always HTTP 200 with the empty provider
// body; failures are logged (ingest failures are also counted by the
// coordinator), never surfaced to the provider.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	channel := c.Param("channel")
	if !models.IsValidChannel(channel) {
		h.logger.Warn("webhook for unknown channel path", zap.String("channel", channel))
		h.ack(c)
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookPayloadSize)
	if err := c.Request.ParseForm(); err != nil {
		h.logger.Warn("failed to parse webhook form", zap.String("channel", channel), zap.Error(err))
		h.ack(c)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), ingestTimeout)
	defer cancel()

	signature := c.GetHeader(ingest.SignatureHeader)
	rawURL := requestURL(c.Request)

	// All ingest failure classes are logged inside the coordinator; the
	// provider contract is the same empty ack either way.
	_ = h.coordinator.Ingest(ctx, channel, rawURL, c.Request.PostForm, signature)

	h.ack(c)
}

// ack writes the provider-compliant empty response
func (h *WebhookHandler) ack(c *gin.Context) {
	c.Data(http.StatusOK, "text/xml", []byte(emptyProviderAck))
}

// requestURL reconstructs the externally visible URL the provider signed
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
			scheme = forwarded
		} else {
			scheme = "http"
		}
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

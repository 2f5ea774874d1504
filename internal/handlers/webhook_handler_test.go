package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/whatsapp-web-enhancement/reply-service/internal/ingest"
)

type fakeIngestCoordinator struct {
	err       error
	calls     int
	channel   string
	rawURL    string
	form      url.Values
	signature string
}

func (f *fakeIngestCoordinator) Ingest(_ context.Context, channel, rawURL string, form url.Values, signature string) error {
	f.calls++
	f.channel = channel
	f.rawURL = rawURL
	f.form = form
	f.signature = signature
	return f.err
}

func newTestRouter(coordinator *fakeIngestCoordinator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewWebhookHandler(coordinator, zap.NewNop())
	router.POST("/:channel", handler.HandleWebhook)
	return router
}

func postWebhook(t *testing.T, router *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(ingest.SignatureHeader, "c2lnbmF0dXJl")
	req.Host = "replies.example.com"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func webhookForm() url.Values {
	return url.Values{
		"From":       {"+447700900123"},
		"To":         {"+14155238886"},
		"Body":       {"hello"},
		"AccountSid": {"AC123"},
		"MessageSid": {"SM123"},
	}
}

func TestHandleWebhookSuccess(t *testing.T) {
	coordinator := &fakeIngestCoordinator{}
	router := newTestRouter(coordinator)

	w := postWebhook(t, router, "/whatsapp", webhookForm())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Response></Response>")
	assert.Contains(t, w.Header().Get("Content-Type"), "text/xml")

	require.Equal(t, 1, coordinator.calls)
	assert.Equal(t, "whatsapp", coordinator.channel)
	assert.Equal(t, "c2lnbmF0dXJl", coordinator.signature)
	assert.Equal(t, "hello", coordinator.form.Get("Body"))
	assert.Equal(t, "http://replies.example.com/whatsapp", coordinator.rawURL)
}

func TestHandleWebhookAcksOnIngestFailure(t *testing.T) {
	// Failures must not surface to the provider or it retries forever
	coordinator := &fakeIngestCoordinator{err: errors.New("signature invalid")}
	router := newTestRouter(coordinator)

	w := postWebhook(t, router, "/whatsapp", webhookForm())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<Response></Response>")
}

func TestHandleWebhookUnknownChannelAcksWithoutIngest(t *testing.T) {
	coordinator := &fakeIngestCoordinator{}
	router := newTestRouter(coordinator)

	w := postWebhook(t, router, "/telegram", webhookForm())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, coordinator.calls)
}

func TestHandleWebhookForwardedProtoShapesURL(t *testing.T) {
	coordinator := &fakeIngestCoordinator{}
	router := newTestRouter(coordinator)

	form := webhookForm()
	req := httptest.NewRequest(http.MethodPost, "/sms", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Host = "replies.example.com"

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://replies.example.com/sms", coordinator.rawURL)
}

package ingest

import (
	"net/url"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whatsapp-web-enhancement/reply-service/internal/models"
)

func TestAdaptWhatsApp(t *testing.T) {
	adapter := NewPayloadAdapter()

	fragment, err := adapter.Adapt(models.ChannelWhatsApp, testForm())
	require.NoError(t, err)

	assert.Equal(t, "+14155238886", fragment.To)
	assert.Equal(t, "+447700900123", fragment.From)
	assert.Equal(t, "hello there", fragment.Body)
	assert.Equal(t, "SM123", fragment.MessageSID)
	assert.Equal(t, "AC123", fragment.AccountSID)
	assert.Equal(t, models.ChannelWhatsApp, fragment.Channel)
}

func TestAdaptAllChannels(t *testing.T) {
	adapter := NewPayloadAdapter()

	for _, channel := range []string{models.ChannelWhatsApp, models.ChannelSMS, models.ChannelEmail} {
		fragment, err := adapter.Adapt(channel, testForm())
		require.NoError(t, err)
		assert.Equal(t, channel, fragment.Channel)
	}
}

func TestAdaptRejectsUnknownChannel(t *testing.T) {
	adapter := NewPayloadAdapter()

	_, err := adapter.Adapt("telegram", testForm())
	assert.True(t, errors.Is(err, ErrPayloadMalformed))
}

func TestAdaptRejectsMissingRequiredFields(t *testing.T) {
	adapter := NewPayloadAdapter()

	for _, key := range []string{"From", "To", "AccountSid", "MessageSid"} {
		t.Run("missing "+key, func(t *testing.T) {
			form := testForm()
			form.Del(key)
			_, err := adapter.Adapt(models.ChannelWhatsApp, form)
			assert.True(t, errors.Is(err, ErrPayloadMalformed))
		})
	}
}

func TestAdaptAllowsEmptyBody(t *testing.T) {
	adapter := NewPayloadAdapter()

	form := testForm()
	form.Del("Body")
	fragment, err := adapter.Adapt(models.ChannelWhatsApp, form)
	require.NoError(t, err)
	assert.Equal(t, "", fragment.Body)
}

func TestAdaptEmptyForm(t *testing.T) {
	adapter := NewPayloadAdapter()

	_, err := adapter.Adapt(models.ChannelWhatsApp, url.Values{})
	assert.True(t, errors.Is(err, ErrPayloadMalformed))
}

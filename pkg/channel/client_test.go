package channel

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCreds = Credentials{AccountSID: "AC123", AuthToken: "token"}

func testRequest() *SendRequest {
	return &SendRequest{
		To:   "+447700900123",
		From: "+14155238886",
		Body: "a reply",
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, &ClientOptions{
		Timeout:       5 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestSendMessageSuccess(t *testing.T) {
	var gotPath, gotTo, gotFrom, gotBody string

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, r.ParseForm())
		gotTo = r.PostForm.Get("To")
		gotFrom = r.PostForm.Get("From")
		gotBody = r.PostForm.Get("Body")

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "token", pass)

		fmt.Fprint(w, `{"sid": "SM_OUT", "status": "queued"}`)
	})

	receipt, err := client.SendMessage(context.Background(), testCreds, testRequest())
	require.NoError(t, err)

	assert.Equal(t, "SM_OUT", receipt.MessageSID)
	assert.Equal(t, MessageStatusQueued, receipt.Status)
	assert.Equal(t, "/Accounts/AC123/Messages", gotPath)
	assert.Equal(t, "+447700900123", gotTo)
	assert.Equal(t, "+14155238886", gotFrom)
	assert.Equal(t, "a reply", gotBody)
}

func TestSendMessageRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"sid": "SM_OUT", "status": "queued"}`)
	})

	receipt, err := client.SendMessage(context.Background(), testCreds, testRequest())
	require.NoError(t, err)
	assert.Equal(t, "SM_OUT", receipt.MessageSID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendMessageRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"sid": "SM_OUT", "status": "queued"}`)
	})

	_, err := client.SendMessage(context.Background(), testCreds, testRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendMessagePermanentErrorDoesNotRetry(t *testing.T) {
	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code": 21211, "message": "invalid to number"}`)
	})

	_, err := client.SendMessage(context.Background(), testCreds, testRequest())
	assert.True(t, errors.Is(err, ErrPermanent))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendMessageExhaustsRetries(t *testing.T) {
	var calls atomic.Int32

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.SendMessage(context.Background(), testCreds, testRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendMessageRequiresCredentials(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.SendMessage(context.Background(), Credentials{}, testRequest())
	assert.Error(t, err)
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	_, err := NewClient("", nil)
	assert.Equal(t, ErrInvalidEndpoint, err)
}

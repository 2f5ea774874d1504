package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"     // v0.9.1
	"github.com/sony/gobreaker" // v0.5.0
)

// Default configuration values
const (
	defaultTimeout       = 30 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = 2 * time.Second
	maxBackoff           = 30 * time.Second
)

// Common errors
var (
	ErrInvalidEndpoint = errors.New("invalid API endpoint")

	// ErrPermanent marks provider rejections that retrying cannot fix
	ErrPermanent = errors.New("permanent provider error")

	// ErrTransient marks provider failures worth retrying
	ErrTransient = errors.New("transient provider error")
)

// Client is the provider REST client. Credentials are supplied per call
// because each conversation may belong to a different tenant account.
type Client struct {
	apiEndpoint    string
	httpClient     *http.Client
	retryAttempts  int
	retryDelay     time.Duration
	circuitBreaker *gobreaker.CircuitBreaker
}

// ClientOptions provides configuration options for the provider client
type ClientOptions struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// NewClient creates a provider client for the given API endpoint
func NewClient(apiEndpoint string, opts *ClientOptions) (*Client, error) {
	if apiEndpoint == "" {
		return nil, ErrInvalidEndpoint
	}

	if opts == nil {
		opts = &ClientOptions{}
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = defaultRetryAttempts
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = defaultRetryDelay
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}

	cbSettings := gobreaker.Settings{
		Name:     "channel-provider",
		Interval: time.Minute,
		Timeout:  2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
	}

	return &Client{
		apiEndpoint: strings.TrimRight(apiEndpoint, "/"),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		retryAttempts:  opts.RetryAttempts,
		retryDelay:     opts.RetryDelay,
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
	}, nil
}

// SendMessage dispatches one outbound message with retry on transient
// provider failures. Permanent rejections are returned immediately wrapped
// in ErrPermanent.
func (c *Client) SendMessage(ctx context.Context, creds Credentials, req *SendRequest) (*SendReceipt, error) {
	if creds.AccountSID == "" || creds.AuthToken == "" {
		return nil, errors.New("provider credentials are required")
	}
	if req == nil || req.To == "" {
		return nil, errors.New("send request recipient is required")
	}

	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		result, err := c.circuitBreaker.Execute(func() (interface{}, error) {
			return c.doSendMessage(ctx, creds, req)
		})
		if err == nil {
			return result.(*SendReceipt), nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) {
			return nil, err
		}

		if attempt < c.retryAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoffWithJitter(attempt)):
			}
		}
	}

	return nil, errors.Wrapf(lastErr, "send failed after %d attempts", c.retryAttempts)
}

// doSendMessage performs a single provider call
func (c *Client) doSendMessage(ctx context.Context, creds Credentials, req *SendRequest) (*SendReceipt, error) {
	form := url.Values{}
	form.Set("To", req.To)
	form.Set("From", req.From)
	form.Set("Body", req.Body)

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages", c.apiEndpoint, creds.AccountSID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	httpReq.SetBasicAuth(creds.AccountSID, creds.AuthToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(ErrTransient, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(ErrTransient, err.Error())
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var apiResp apiResponse
		if err := json.Unmarshal(body, &apiResp); err != nil {
			return nil, errors.Wrap(err, "decode response")
		}
		return &SendReceipt{
			MessageSID: apiResp.SID,
			Status:     apiResp.Status,
			SentAt:     time.Now().UTC(),
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.Wrapf(ErrTransient, "provider returned %d: %s", resp.StatusCode, truncate(body))

	default:
		return nil, errors.Wrapf(ErrPermanent, "provider returned %d: %s", resp.StatusCode, truncate(body))
	}
}

// backoffWithJitter computes the exponential retry delay with jitter so
// parallel processors do not retry in lockstep
func (c *Client) backoffWithJitter(attempt int) time.Duration {
	backoff := c.retryDelay * time.Duration(1<<uint(attempt))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	return backoff/2 + jitter
}

func truncate(body []byte) string {
	const limit = 256
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}

package httpclient

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryPolicy controls backoff between attempts of a rate-limited request.
// Delays grow as Multiplier * 2^attempt seconds, clamped to [MinDelay,
// MaxDelay], with a jitter fraction added on top. A floor (for example a
// server-provided Retry-After) always wins over the computed delay.
type RetryPolicy struct {
	MaxAttempts int
	Multiplier  float64
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

// DefaultRetryPolicy matches the pipeline-wide contract for provider calls:
// at most 3 attempts, multiplier 3, min 3s, max 20s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Multiplier:  3,
		MinDelay:    3 * time.Second,
		MaxDelay:    20 * time.Second,
		Jitter:      0.1,
	}
}

// Delay returns the wait before the next attempt. attempt is zero-based
// (the number of failures so far). floor is a hard lower bound on the wait.
func (p RetryPolicy) Delay(attempt int, floor time.Duration) time.Duration {
	base := time.Duration(p.Multiplier*math.Pow(2, float64(attempt))) * time.Second
	if base < p.MinDelay {
		base = p.MinDelay
	}
	if base > p.MaxDelay {
		base = p.MaxDelay
	}
	if p.Jitter > 0 {
		base += time.Duration(rand.Float64() * p.Jitter * float64(base))
	}
	if base < floor {
		base = floor
	}
	return base
}

type RateLimitInfo struct {
	RetryAfter time.Duration
	ResetTime  int64
}

type RateLimitHeaderParser func(http.Header) RateLimitInfo

type Client struct {
	client       *http.Client
	policy       RetryPolicy
	headerParser RateLimitHeaderParser
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) {
		c.policy = policy
	}
}

func WithHeaderParser(parser RateLimitHeaderParser) Option {
	return func(c *Client) {
		c.headerParser = parser
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:       &http.Client{Timeout: 60 * time.Second},
		policy:       DefaultRetryPolicy(),
		headerParser: ParseOpenAIRateLimitHeaders,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// isRateLimited reports whether the status code is a transient rate-limit
// signal worth retrying. Anything else is surfaced to the caller unchanged.
func isRateLimited(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable
}

// Do performs the request, retrying rate-limited responses under the policy.
// Authentication and malformed-request failures fail fast. Network errors
// are returned to the caller without retry.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("failed to recreate request body for retry: %w", err)
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if !isRateLimited(resp.StatusCode) {
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: body}
		}

		var info RateLimitInfo
		if c.headerParser != nil {
			info = c.headerParser(resp.Header)
		}
		lastErr = &RateLimitError{StatusCode: resp.StatusCode, Attempts: attempt + 1}

		if attempt == c.policy.MaxAttempts-1 {
			break
		}

		delay := c.policy.Delay(attempt, info.RetryAfter)
		slog.Warn("rate limited, retrying",
			"status", resp.StatusCode,
			"delay", delay,
			"attempt", attempt+1,
			"max_attempts", c.policy.MaxAttempts,
		)

		ctx := req.Context()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, lastErr
}

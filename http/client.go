// Package http provides the HTTP plumbing of the sync engine: the rate
// limited, retrying client connectors call external APIs through, and the
// echo server setup the API surface is mounted on.
package http

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"weave.evalgo.org/common"
)

// PermanentError marks a request that kept failing after every retry.
type PermanentError struct {
	Attempts   int
	LastStatus int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.LastStatus > 0 {
		return fmt.Sprintf("request failed after %d attempts: HTTP %d", e.Attempts, e.LastStatus)
	}
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// AuthError marks a request the server rejected as unauthenticated even
// after re-authentication.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ClientConfig configures the house HTTP client.
type ClientConfig struct {
	// RatePerSec is the token bucket refill rate. Zero disables limiting.
	RatePerSec float64
	Burst      int

	// MaxAttempts bounds total attempts per request. Zero means 5.
	MaxAttempts int

	// PerHost caps concurrent requests per host. Zero means 10.
	PerHost int

	// Timeout bounds each attempt. Zero means 30s.
	Timeout time.Duration

	// RetryBaseWait is the first backoff step. Zero means 500ms.
	RetryBaseWait time.Duration

	// TokenSource supplies the bearer token set on every request.
	TokenSource func(ctx context.Context) (string, error)

	// Reauth is invoked once on a 401; its token is used for one retry.
	Reauth func(ctx context.Context) (string, error)

	UserAgent string
	Logger    *logrus.Entry
}

// Client retries transient failures with exponential backoff and jitter,
// rate limits across all callers and caps in-flight requests per host.
// Safe for concurrent use.
type Client struct {
	hc          *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	perHost     int
	baseWait    time.Duration
	tokenSource func(ctx context.Context) (string, error)
	reauth      func(ctx context.Context) (string, error)
	userAgent   string
	log         *logrus.Entry

	mu    sync.Mutex
	hosts map[string]chan struct{}
}

// NewClient builds a Client from its config, filling in defaults.
func NewClient(cfg ClientConfig) *Client {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	perHost := cfg.PerHost
	if perHost <= 0 {
		perHost = 10
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseWait := cfg.RetryBaseWait
	if baseWait <= 0 {
		baseWait = 500 * time.Millisecond
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSec > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSec)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}

	log := cfg.Logger
	if log == nil {
		log = common.Component("http")
	}

	return &Client{
		hc:          &http.Client{Timeout: timeout},
		limiter:     limiter,
		maxAttempts: maxAttempts,
		perHost:     perHost,
		baseWait:    baseWait,
		tokenSource: cfg.TokenSource,
		reauth:      cfg.Reauth,
		userAgent:   cfg.UserAgent,
		log:         log,
		hosts:       make(map[string]chan struct{}),
	}
}

// Do executes a request with rate limiting, per-host capping and retries.
// 429 and 5xx responses and transport errors are retried; other statuses
// are returned to the caller as-is, except a 401 which triggers one
// re-authentication and one retry before failing with *AuthError.
// Requests with a body must be built with http.NewRequest so the body can
// be rewound between attempts.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	release, err := c.acquireHost(ctx, req.URL.Host)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		lastStatus int
		lastErr    error
		reauthed   bool
		token      string
	)

	if c.tokenSource != nil {
		if token, err = c.tokenSource(ctx); err != nil {
			return nil, &AuthError{Err: err}
		}
	}

	first := true
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if !first {
			if err := c.rewind(req); err != nil {
				return nil, err
			}
		}
		first = false

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		attemptReq := req.Clone(ctx)
		if token != "" {
			attemptReq.Header.Set("Authorization", "Bearer "+token)
		}
		if c.userAgent != "" && attemptReq.Header.Get("User-Agent") == "" {
			attemptReq.Header.Set("User-Agent", c.userAgent)
		}

		resp, err := c.hc.Do(attemptReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			lastStatus = 0
			c.wait(ctx, attempt, "")
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			drain(resp)
			if reauthed || c.reauth == nil {
				return nil, &AuthError{Err: fmt.Errorf("HTTP 401 from %s", req.URL.Host)}
			}
			reauthed = true
			if token, err = c.reauth(ctx); err != nil {
				return nil, &AuthError{Err: err}
			}
			c.log.WithField("host", req.URL.Host).Warn("re-authenticated after 401")
			// The re-auth retry does not consume a backoff attempt.
			attempt--
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			retryAfter := resp.Header.Get("Retry-After")
			drain(resp)
			lastStatus = resp.StatusCode
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			c.wait(ctx, attempt, retryAfter)
			continue

		default:
			return resp, nil
		}
	}

	return nil, &PermanentError{Attempts: c.maxAttempts, LastStatus: lastStatus, Err: lastErr}
}

// Get issues a GET request through Do.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// RoundTrip makes the client usable as a stdlib transport, so SDK
// clients built on *http.Client inherit rate limiting, retries and
// token injection.
func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.Do(req.Context(), req)
}

// StdClient wraps the client for code that expects a plain *http.Client.
// No outer timeout is set; each attempt is already bounded and the
// request context caps the whole call.
func (c *Client) StdClient() *http.Client {
	return &http.Client{Transport: c}
}

func (c *Client) acquireHost(ctx context.Context, host string) (func(), error) {
	c.mu.Lock()
	sem, ok := c.hosts[host]
	if !ok {
		sem = make(chan struct{}, c.perHost)
		c.hosts[host] = sem
	}
	c.mu.Unlock()

	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// wait sleeps for the backoff of the given attempt, honoring a Retry-After
// header when the server sent one.
func (c *Client) wait(ctx context.Context, attempt int, retryAfter string) {
	delay := c.backoff(attempt)
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			delay = time.Duration(secs) * time.Second
		} else if at, err := http.ParseTime(retryAfter); err == nil {
			delay = time.Until(at)
		}
	}
	if delay <= 0 {
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// backoff is exponential with up to 50% random jitter, capped at 30s.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseWait << uint(attempt)
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

func (c *Client) rewind(req *http.Request) error {
	if req.Body == nil || req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("failed to rewind request body: %w", err)
	}
	req.Body = body
	return nil
}

func drain(resp *http.Response) {
	if resp.Body != nil {
		resp.Body.Close()
	}
}

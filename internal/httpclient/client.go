// Package httpclient implements ASAP's C9 component: a pooled HTTP client
// with exponential backoff+jitter retries, a per-base-URL circuit
// breaker, and a singleflight-deduped response cache shared with the C3
// manifest fetcher's dedup strategy.
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/ids"
)

// RetryPolicy configures the exponential backoff+jitter schedule. Its
// fields map directly onto backoff.ExponentialBackOff per spec.md §4.9's
// min(max_delay, base×2^attempt) + U(0,0.5) formula.
type RetryPolicy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	RandomizationFactor float64
	MaxRetries          uint64
}

// DefaultRetryPolicy matches spec.md's defaults: 500ms base, 30s cap,
// unbounded elapsed time (bounded instead by MaxRetries), 50% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		RandomizationFactor: 0.5,
		MaxRetries:          5,
	}
}

// BackoffPolicy builds the backoff.BackOff this RetryPolicy describes.
// Exported so other components needing "the same backoff+jitter policy as
// C9" (spec.md §4.13's webhook dispatcher) can build one from a shared
// RetryPolicy value instead of re-deriving the formula.
func (p RetryPolicy) BackoffPolicy() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.RandomizationFactor = p.RandomizationFactor
	eb.Multiplier = 2
	eb.MaxElapsedTime = p.MaxElapsedTime
	return backoff.WithMaxRetries(eb, p.MaxRetries)
}

// retryableStatus reports whether an HTTP status code warrants a retry.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// Client wraps a pooled *http.Client, grounded on the teacher's
// internal/mcpserver/client/httpclient.go HTTPClient: request cloning so
// a body can be re-sent across retries, per-attempt correlation ID and
// header injection, centralized Do entry point.
type Client struct {
	httpClient  *http.Client
	retryPolicy RetryPolicy
	clock       ids.Clock

	breakersMu sync.Mutex
	breakers   map[string]*CircuitBreaker

	bodyCache sync.Map // string(cache key) -> cachedBody
	group     singleflight.Group
}

// NewClient constructs a pooled client. httpClient nil uses a 30s-timeout
// client with a shared Transport (connection pooling).
func NewClient(httpClient *http.Client, retryPolicy RetryPolicy, clock ids.Clock) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Client{
		httpClient:  httpClient,
		retryPolicy: retryPolicy,
		clock:       clock,
		breakers:    make(map[string]*CircuitBreaker),
	}
}

func (c *Client) breakerFor(req *http.Request) *CircuitBreaker {
	key := baseURLKey(req.URL)

	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()
	b, ok := c.breakers[key]
	if !ok {
		b = NewCircuitBreaker(5, 30*time.Second, c.clock)
		c.breakers[key] = b
	}
	return b
}

func baseURLKey(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// Do executes req with correlation-ID injection, circuit breaking, and
// retry-with-backoff on retryable status codes and transport errors.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	breaker := c.breakerFor(req)
	if !breaker.Allow() {
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeCircuitOpen,
			fmt.Sprintf("circuit open for %s", baseURLKey(req.URL)))
	}

	bodyBytes, err := readAndRestoreBody(req)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()
	policy := c.retryPolicy
	if policy.InitialInterval == 0 {
		policy = DefaultRetryPolicy()
	}

	var lastResp *http.Response
	op := func() error {
		attempt, err := cloneRequest(ctx, req, bodyBytes)
		if err != nil {
			return backoff.Permanent(err)
		}
		attempt.Header.Set("X-Correlation-ID", correlationID)

		resp, err := c.httpClient.Do(attempt)
		if err != nil {
			log.Warn().Err(err).Str("correlation_id", correlationID).Msg("http request transport error, retrying")
			return err
		}

		if retryableStatus(resp.StatusCode) {
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			resp.Body.Close()
			if retryAfter > 0 {
				log.Debug().Dur("retry_after", retryAfter).Str("correlation_id", correlationID).
					Msg("server requested explicit retry delay")
			}
			return fmt.Errorf("retryable status %d", resp.StatusCode)
		}

		lastResp = resp
		return nil
	}

	err = backoff.Retry(op, backoff.WithContext(policy.BackoffPolicy(), ctx))
	if err != nil {
		breaker.RecordFailure()
		return nil, err
	}

	breaker.RecordSuccess()
	return lastResp, nil
}

// CachedGet performs a GET request, deduplicating concurrent callers for
// the same URL via singleflight (sharing the C3 manifest fetcher's dedup
// strategy) and serving from an in-memory body cache until ttl elapses.
func (c *Client) CachedGet(ctx context.Context, url string, ttl time.Duration) ([]byte, error) {
	if cached, ok := c.bodyCache.Load(url); ok {
		entry := cached.(cachedBody)
		if c.clock.Now().Before(entry.expiresAt) {
			return entry.body, nil
		}
	}

	v, err, _ := c.group.Do(url, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		c.bodyCache.Store(url, cachedBody{body: body, expiresAt: c.clock.Now().Add(ttl)})
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

type cachedBody struct {
	body      []byte
	expiresAt time.Time
}

func readAndRestoreBody(req *http.Request) ([]byte, error) {
	if req.Body == nil {
		return nil, nil
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	req.Body = io.NopCloser(bytes.NewReader(b))
	return b, nil
}

func cloneRequest(ctx context.Context, req *http.Request, body []byte) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	clone, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bodyReader)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		clone.Header[k] = v
	}
	return clone, nil
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	var seconds int
	if _, err := fmt.Sscanf(value, "%d", &seconds); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

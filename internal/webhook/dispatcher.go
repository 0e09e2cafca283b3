// Package webhook implements ASAP's C13 component: SSRF-guarded,
// HMAC-signed webhook delivery with retry, per-URL rate limiting, and a
// bounded dead-letter queue for exhausted deliveries (spec.md §4.13).
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/httpclient"
)

const (
	signatureHeader  = "X-ASAP-Signature-256"
	defaultDLQSize   = 500
	defaultRateLimit = 5 // deliveries/sec per distinct URL
	defaultBurst     = 10
)

// Dispatcher delivers signed webhook payloads with SSRF-guarded URL
// validation, retry, per-URL rate limiting, and a dead-letter queue for
// exhausted deliveries.
type Dispatcher struct {
	httpClient  *http.Client
	resolver    *net.Resolver
	retryPolicy httpclient.RetryPolicy
	maxAttempts int
	rateLimit   *perURLRateLimit
	dlq         *deadLetterQueue
}

// Options configures a Dispatcher. An HTTPClient may be injected to share
// a connection pool across many deliveries (spec.md §4.13); the zero
// value uses a private http.Client with a 30s timeout and Go's default
// transport.
type Options struct {
	HTTPClient  *http.Client
	Resolver    *net.Resolver
	RetryPolicy httpclient.RetryPolicy
	MaxAttempts int
	DLQSize     int
	RateLimit   float64
	RateBurst   int
}

// NewDispatcher builds a Dispatcher from opts, filling in spec defaults
// for anything left zero.
func NewDispatcher(opts Options) *Dispatcher {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	dlqSize := opts.DLQSize
	if dlqSize <= 0 {
		dlqSize = defaultDLQSize
	}
	rateLimit := opts.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	rateBurst := opts.RateBurst
	if rateBurst <= 0 {
		rateBurst = defaultBurst
	}
	retryPolicy := opts.RetryPolicy
	if retryPolicy == (httpclient.RetryPolicy{}) {
		retryPolicy = httpclient.DefaultRetryPolicy()
	}

	return &Dispatcher{
		httpClient:  client,
		resolver:    opts.Resolver,
		retryPolicy: retryPolicy,
		maxAttempts: maxAttempts,
		rateLimit:   newPerURLRateLimit(rate.Limit(rateLimit), rateBurst),
		dlq:         newDeadLetterQueue(dlqSize),
	}
}

// Sign computes the HMAC-SHA256 hex digest of body under secret, in the
// form delivered in the X-ASAP-Signature-256 header.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Deliver validates targetURL (SSRF guard), checks the per-URL rate
// limit, and attempts delivery with retry up to d.maxAttempts. A
// rate-limited call returns immediately without consuming a retry
// attempt. Exhausted retries push the delivery onto the dead-letter
// queue and return the last error.
func (d *Dispatcher) Deliver(ctx context.Context, targetURL string, payload any, secret []byte) error {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return asaperr.New(asaperr.CategoryClient, asaperr.CodeConnectionFailed, "invalid webhook url").WithData(map[string]any{"url": targetURL})
	}
	if err := ValidateURL(ctx, d.resolver, targetURL, parsed.Scheme, parsed.Hostname()); err != nil {
		return asaperr.New(asaperr.CategorySecurity, asaperr.CodeIdentityMismatch, "webhook url blocked by SSRF guard").WithData(map[string]any{"url": targetURL, "reason": err.Error()})
	}

	if !d.rateLimit.Allow(targetURL) {
		return asaperr.New(asaperr.CategoryClient, asaperr.CodeRateLimited, "webhook rate limit exceeded for url").WithData(map[string]any{"url": targetURL})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	sig := Sign(secret, body)

	// d.maxAttempts (spec.md §4.13's max_attempts) governs the retry
	// count here rather than d.retryPolicy.MaxRetries, so the dispatcher's
	// own attempt budget always wins regardless of what MaxRetries the
	// shared C9 RetryPolicy value happens to carry.
	policy := d.retryPolicy
	policy.MaxRetries = uint64(d.maxAttempts - 1)
	eb := policy.BackoffPolicy()

	attempts := 0
	var lastErr error

	operation := func() error {
		attempts++
		// Re-validate on every attempt: a hostname that resolved public
		// at the start of the retry loop could now point at a private
		// address if DNS changed mid-loop.
		if err := ValidateURL(ctx, d.resolver, targetURL, parsed.Scheme, parsed.Hostname()); err != nil {
			return backoff.Permanent(asaperr.New(asaperr.CategorySecurity, asaperr.CodeIdentityMismatch, "webhook url blocked by SSRF guard mid-retry"))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(signatureHeader, sig)

		resp, err := d.httpClient.Do(req)
		if err != nil {
			lastErr = err
			return err // retryable: connection error
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("webhook delivery to %s: status %d", targetURL, resp.StatusCode)
			return lastErr
		}
		if resp.StatusCode >= 400 {
			lastErr = fmt.Errorf("webhook delivery to %s: status %d", targetURL, resp.StatusCode)
			return backoff.Permanent(lastErr) // 4xx: non-retriable
		}

		return nil
	}

	err = backoff.Retry(operation, eb)
	if err == nil {
		return nil
	}

	log.Warn().Err(err).Str("url", targetURL).Int("attempts", attempts).Msg("webhook delivery exhausted retries")
	d.dlq.Push(DeadLetterEntry{
		URL:       targetURL,
		Payload:   body,
		LastError: errString(lastErr, err),
		Attempts:  attempts,
		CreatedAt: time.Now().UTC(),
	})
	return err
}

func errString(lastErr, fallback error) string {
	if lastErr != nil {
		return lastErr.Error()
	}
	return fallback.Error()
}

// DeadLetters returns the current dead-letter queue contents, oldest
// first.
func (d *Dispatcher) DeadLetters() []DeadLetterEntry {
	return d.dlq.List()
}

package wstransport

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	baseReconnectDelay = 1 * time.Second
	maxReconnectDelay  = 2 * time.Minute
	handshakeTimeout   = 15 * time.Second
)

// calculateBackoff returns an exponential reconnect delay capped at
// maxReconnectDelay, grounded on
// other_examples/…nvremote…heartbeat/websocket.go's calculateBackoff.
func calculateBackoff(attempt int) time.Duration {
	if attempt == 0 {
		return baseReconnectDelay
	}
	delay := time.Duration(math.Pow(2, float64(attempt))) * baseReconnectDelay
	if delay > maxReconnectDelay {
		delay = maxReconnectDelay
	}
	return delay
}

// ClientOptions configures a reconnecting client session.
type ClientOptions struct {
	Header  http.Header
	ConnOpts Options
	// OnConnect is invoked with the new Conn after each successful dial
	// (including reconnects). It should start ReadLoop in its own
	// goroutine and return once the caller is done issuing sends for
	// this connection lifetime (typically by selecting on ctx.Done()).
	OnConnect func(ctx context.Context, c *Conn) error
}

// RunClient maintains a WebSocket connection to url, invoking
// opts.OnConnect on every successful dial and reconnecting with
// exponential backoff after disconnects, until ctx is cancelled.
func RunClient(ctx context.Context, url string, opts ClientOptions) error {
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
		ws, _, err := dialer.DialContext(ctx, url, opts.Header)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Int("attempt", attempt).Msg("websocket dial failed")
		} else {
			attempt = 0
			conn := NewConn(ws, opts.ConnOpts)
			if cbErr := opts.OnConnect(ctx, conn); cbErr != nil {
				log.Warn().Err(cbErr).Msg("websocket session ended")
			}
			conn.Close()
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := calculateBackoff(attempt)
		attempt++
		log.Info().Dur("delay", delay).Int("attempt", attempt).Str("url", url).Msg("reconnecting websocket")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Dial performs a single, non-reconnecting dial, for callers that manage
// their own reconnection policy.
func Dial(ctx context.Context, url string, header http.Header, opts Options) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, fmt.Errorf("websocket dial failed (status %d): %w", status, err)
	}
	return NewConn(ws, opts), nil
}

// Package wstransport implements ASAP's C10 component: a WebSocket frame
// loop carrying JSON-RPC-framed envelopes, with heartbeat, ack-future
// tracking, reconnection, and per-connection send rate limiting.
package wstransport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/jsonrpc"
)

const (
	// writeTimeout bounds a single WebSocket write, grounded on the
	// nvremote heartbeat transport's writeTimeout.
	writeTimeout = 10 * time.Second
	// pongWait is how long to wait for a pong before the connection is
	// considered dead, grounded on the same example's pongWait.
	pongWait = 60 * time.Second
	// pingInterval must stay below pongWait so at least one ping lands
	// inside every pong window.
	pingInterval = 30 * time.Second
)

// State is a connection's position in the CONNECTING->OPEN->CLOSING->
// CLOSED lifecycle spec.md §4.10 names.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// pendingAck tracks one in-flight request awaiting its correlated
// response frame.
type pendingAck struct {
	resultCh chan json.RawMessage
	errCh    chan error
}

// Conn wraps a *websocket.Conn with the ASAP frame loop: heartbeat
// ping/pong (grounded on
// other_examples/…nvremote…heartbeat/websocket.go's pingInterval/pongWait
// pair), ack-future tracking keyed by JSON-RPC id, and a per-connection
// send rate limit via golang.org/x/time/rate (single-window — no
// two-phase requirement here, unlike C6).
type Conn struct {
	ws      *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex

	ackMu   sync.Mutex
	pending map[string]*pendingAck

	stateMu sync.RWMutex
	state   State

	onNotification func(jsonrpc.Request)
	onRequest      func(jsonrpc.Request) (jsonrpc.Response, bool)

	closeOnce sync.Once
	done      chan struct{}
}

// Options configures a Conn.
type Options struct {
	SendRateLimit rate.Limit // requests/sec, 0 disables limiting
	SendBurst     int
	// OnNotification handles inbound frames with no id (fire-and-forget).
	OnNotification func(jsonrpc.Request)
	// OnRequest handles inbound frames with an id that are not replies to
	// a pending ack; return ok=false to skip responding.
	OnRequest func(jsonrpc.Request) (jsonrpc.Response, bool)
}

// NewConn wraps an established *websocket.Conn and starts its heartbeat
// loop. Callers must call ReadLoop to begin processing inbound frames.
func NewConn(ws *websocket.Conn, opts Options) *Conn {
	limit := opts.SendRateLimit
	burst := opts.SendBurst
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}

	c := &Conn{
		ws:             ws,
		limiter:        rate.NewLimiter(limit, burst),
		pending:        make(map[string]*pendingAck),
		state:          StateOpen,
		onNotification: opts.OnNotification,
		onRequest:      opts.OnRequest,
		done:           make(chan struct{}),
	}

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.heartbeatLoop()

	return c
}

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// State reports the connection's current lifecycle state.
func (c *Conn) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.Close()
				return
			}
		}
	}
}

// Send writes a JSON-RPC request frame, honoring the per-connection send
// rate limit.
func (c *Conn) Send(ctx context.Context, req jsonrpc.Request) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return asaperr.New(asaperr.CategoryExecution, asaperr.CodeRateLimited, "send rate limit exceeded")
	}
	return c.writeJSON(req)
}

func (c *Conn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

// SendAndAwaitAck sends req and blocks until a response frame correlated
// by id arrives, ctx is cancelled, or timeout elapses.
func (c *Conn) SendAndAwaitAck(ctx context.Context, req jsonrpc.Request, timeout time.Duration) (json.RawMessage, error) {
	id := string(req.ID)
	ack := &pendingAck{resultCh: make(chan json.RawMessage, 1), errCh: make(chan error, 1)}

	c.ackMu.Lock()
	c.pending[id] = ack
	c.ackMu.Unlock()
	defer func() {
		c.ackMu.Lock()
		delete(c.pending, id)
		c.ackMu.Unlock()
	}()

	if err := c.Send(ctx, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ack.resultCh:
		return result, nil
	case err := <-ack.errCh:
		return nil, err
	case <-timer.C:
		return nil, asaperr.New(asaperr.CategoryExecution, asaperr.CodeTaskTimeout, "ack wait timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, asaperr.New(asaperr.CategorySecurity, asaperr.CodeConnectionFailed, "connection closed while awaiting ack")
	}
}

// ReadLoop processes inbound frames until the connection closes. It
// dispatches responses to pending acks, requests to OnRequest, and
// notifications to OnNotification. Callers should run this in its own
// goroutine.
func (c *Conn) ReadLoop() error {
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}

		var resp jsonrpc.Response
		if err := json.Unmarshal(data, &resp); err == nil && resp.JSONRPC == jsonrpc.Version && (resp.Result != nil || resp.Error != nil) {
			c.dispatchResponse(resp)
			continue
		}

		req, errObj := jsonrpc.DecodeRequest(data)
		if errObj != nil {
			continue // malformed frame: drop, heartbeat/timeouts cover the rest
		}

		if req.IsNotification() {
			if c.onNotification != nil {
				c.onNotification(req)
			}
			continue
		}

		if c.onRequest != nil {
			if respOut, ok := c.onRequest(req); ok {
				c.writeJSON(respOut)
			}
		}
	}
}

func (c *Conn) dispatchResponse(resp jsonrpc.Response) {
	id := string(resp.ID)
	c.ackMu.Lock()
	ack, ok := c.pending[id]
	c.ackMu.Unlock()
	if !ok {
		return
	}
	if resp.Error != nil {
		ack.errCh <- fmt.Errorf("jsonrpc error %d: %s", resp.Error.Code, resp.Error.Message)
		return
	}
	ack.resultCh <- resp.Result
}

// Close closes the underlying connection and releases pending acks.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.done)

		c.ackMu.Lock()
		for _, ack := range c.pending {
			ack.errCh <- asaperr.New(asaperr.CategorySecurity, asaperr.CodeConnectionFailed, "connection closed")
		}
		c.ackMu.Unlock()

		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = c.ws.Close()
		c.writeMu.Unlock()

		c.setState(StateClosed)
	})
	return err
}

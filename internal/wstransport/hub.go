package wstransport

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/asap-run/asap/internal/jsonrpc"
)

// Hub tracks the set of currently-open server-side connections and
// fans requests out to all of them concurrently, so one slow subscriber
// cannot delay delivery to the others (spec.md §4.10).
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Conn)}
}

// Register adds a connection under key (typically the agent identity).
func (h *Hub) Register(key string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[key] = c
}

// Unregister removes a connection, e.g. once its ReadLoop returns.
func (h *Hub) Unregister(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, key)
}

// Get returns the connection registered under key, if any.
func (h *Hub) Get(key string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[key]
	return c, ok
}

// Len reports the number of currently-registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends req to every registered connection concurrently via
// golang.org/x/sync/errgroup, so a single blocked subscriber's send
// cannot stall delivery to the rest. Per-subscriber send errors are
// collected and returned together rather than aborting the fan-out.
func (h *Hub) Broadcast(ctx context.Context, req jsonrpc.Request) map[string]error {
	h.mu.RLock()
	targets := make(map[string]*Conn, len(h.conns))
	for k, c := range h.conns {
		targets[k] = c
	}
	h.mu.RUnlock()

	var mu sync.Mutex
	errs := make(map[string]error)

	g, gctx := errgroup.WithContext(ctx)
	for key, conn := range targets {
		key, conn := key, conn
		g.Go(func() error {
			if err := conn.Send(gctx, req); err != nil {
				mu.Lock()
				errs[key] = err
				mu.Unlock()
			}
			return nil // per-subscriber failures don't cancel the group
		})
	}
	g.Wait()

	return errs
}

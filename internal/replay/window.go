// Package replay implements the ASAP replay guards: the envelope timestamp
// acceptance window and an optional nonce store for exact replay detection
// (spec.md §4.5).
package replay

import (
	"time"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/ids"
)

// WindowGuard validates that an envelope's wall-clock timestamp falls
// within [now-past, now+future] relative to the receiver's clock.
type WindowGuard struct {
	Past   time.Duration // default 300s
	Future time.Duration // default 30s
	Clock  ids.Clock
}

// DefaultWindowGuard returns a guard configured with spec.md's defaults.
func DefaultWindowGuard() WindowGuard {
	return WindowGuard{Past: 300 * time.Second, Future: 30 * time.Second, Clock: ids.SystemClock{}}
}

// Check validates ts against the acceptance window.
func (g WindowGuard) Check(ts time.Time) error {
	clock := g.Clock
	if clock == nil {
		clock = ids.SystemClock{}
	}
	now := clock.Now()

	earliest := now.Add(-g.Past)
	latest := now.Add(g.Future)

	if ts.Before(earliest) || ts.After(latest) {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeInvalidTimestamp,
			"envelope timestamp outside acceptance window")
	}
	return nil
}

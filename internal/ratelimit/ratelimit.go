// Package ratelimit implements the ASAP rate limiter (spec.md §4.6):
// multi-window token buckets keyed by sender identity, checked in two
// phases so a request that would blow one rule never partially consumes
// another.
package ratelimit

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/asap-run/asap/internal/ids"
)

// Rule is a single {window, max} pair, e.g. 10 requests per second.
type Rule struct {
	Window time.Duration
	Max    int
}

func (r Rule) String() string {
	return fmt.Sprintf("%d/%s", r.Max, r.Window)
}

// DefaultRules matches spec.md's default: 10/second; 100/minute.
func DefaultRules() []Rule {
	return []Rule{
		{Window: time.Second, Max: 10},
		{Window: time.Minute, Max: 100},
	}
}

// ParseRules parses the ASAP_RATE_LIMIT env format, e.g.
// "10/second;100/minute", into the equivalent []Rule.
func ParseRules(spec string) ([]Rule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return DefaultRules(), nil
	}

	var rules []Rule
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		maxStr, unit, ok := strings.Cut(part, "/")
		if !ok {
			return nil, fmt.Errorf("ratelimit: invalid rule %q, expected MAX/WINDOW", part)
		}
		max, err := strconv.Atoi(strings.TrimSpace(maxStr))
		if err != nil || max <= 0 {
			return nil, fmt.Errorf("ratelimit: invalid max in rule %q", part)
		}
		window, err := parseWindowUnit(strings.TrimSpace(unit))
		if err != nil {
			return nil, fmt.Errorf("ratelimit: invalid rule %q: %w", part, err)
		}
		rules = append(rules, Rule{Window: window, Max: max})
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("ratelimit: no rules parsed from %q", spec)
	}
	return rules, nil
}

func parseWindowUnit(unit string) (time.Duration, error) {
	switch unit {
	case "second", "seconds", "s":
		return time.Second, nil
	case "minute", "minutes", "m":
		return time.Minute, nil
	case "hour", "hours", "h":
		return time.Hour, nil
	case "day", "days", "d":
		return 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown window unit %q", unit)
	}
}

// bucket is a single-rule token bucket, modeled directly on the teacher's
// internal/httpapi/ratelimit.go TokenBucket: elapsed-time refill under its
// own mutex, capacity-capped.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	clock      ids.Clock
}

func newBucket(rule Rule, clock ids.Clock) *bucket {
	return &bucket{
		tokens:     float64(rule.Max),
		capacity:   float64(rule.Max),
		refillRate: float64(rule.Max) / rule.Window.Seconds(),
		lastRefill: clock.Now(),
		clock:      clock,
	}
}

// refillLocked brings tokens up to date for the current time. Caller must
// hold b.mu.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
		b.lastRefill = now
	}
}

// wouldExceed reports whether consuming one token right now would leave
// the bucket short, without mutating any state.
func (b *bucket) wouldExceed(now time.Time) (exceed bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	if b.tokens >= 1.0 {
		return false, 0
	}
	secondsUntilNext := (1.0 - b.tokens) / b.refillRate
	return true, time.Duration(secondsUntilNext * float64(time.Second))
}

// commit consumes one token. Caller must have just verified !wouldExceed
// with the same now; commit does not re-verify (two-phase contract lives
// in MultiWindow.Check, not here).
func (b *bucket) commit(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(now)
	b.tokens -= 1.0
}

// perKeyBuckets holds one bucket per configured rule for a single key.
type perKeyBuckets struct {
	buckets    []*bucket
	lastAccess time.Time
}

// MultiWindow is the C6 rate limiter: every key (sender identity, or
// client address when no envelope sender is known) gets its own bucket
// per configured rule.
type MultiWindow struct {
	mu      sync.RWMutex
	rules   []Rule
	byKey   map[string]*perKeyBuckets
	clock   ids.Clock
	idleTTL time.Duration
}

// New constructs a MultiWindow limiter with the given rules. If clock is
// nil, the system clock is used. Keys idle longer than idleTTL are
// reclaimed by Sweep (see below); idleTTL of 0 disables reclamation.
func New(rules []Rule, clock ids.Clock, idleTTL time.Duration) *MultiWindow {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &MultiWindow{
		rules:   rules,
		byKey:   make(map[string]*perKeyBuckets),
		clock:   clock,
		idleTTL: idleTTL,
	}
}

func (m *MultiWindow) getOrCreate(key string) *perKeyBuckets {
	m.mu.RLock()
	pk, ok := m.byKey[key]
	m.mu.RUnlock()
	if ok {
		return pk
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if pk, ok := m.byKey[key]; ok {
		return pk
	}

	bs := make([]*bucket, len(m.rules))
	for i, rule := range m.rules {
		bs[i] = newBucket(rule, m.clock)
	}
	pk = &perKeyBuckets{buckets: bs, lastAccess: m.clock.Now()}
	m.byKey[key] = pk
	return pk
}

// Check runs the spec's two-phase algorithm: evaluate wouldExceed on
// every rule's bucket first; only if every rule passes does it commit
// (consume a token from) every bucket. ok is false and rule identifies
// the first offending rule when any bucket would be exceeded.
func (m *MultiWindow) Check(key string) (ok bool, retryAfter time.Duration, rule *Rule) {
	pk := m.getOrCreate(key)
	now := m.clock.Now()

	m.mu.Lock()
	pk.lastAccess = now
	m.mu.Unlock()

	for i, b := range pk.buckets {
		if exceed, wait := b.wouldExceed(now); exceed {
			r := m.rules[i]
			return false, wait, &r
		}
	}

	for _, b := range pk.buckets {
		b.commit(now)
	}
	return true, 0, nil
}

// Sweep removes keys that have been idle longer than idleTTL, bounding
// memory growth the way the teacher's RateLimiter.cleanupLoop does
// (ticker-driven removal of buckets unused for an hour). Callers own the
// ticker; Sweep itself is synchronous and side-effect-free beyond
// deleting map entries.
func (m *MultiWindow) Sweep() {
	if m.idleTTL <= 0 {
		return
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, pk := range m.byKey {
		if now.Sub(pk.lastAccess) > m.idleTTL {
			delete(m.byKey, key)
		}
	}
}

// Len reports the number of distinct keys currently tracked, for tests
// asserting Sweep behavior.
func (m *MultiWindow) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byKey)
}

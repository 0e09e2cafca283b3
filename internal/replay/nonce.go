package replay

import (
	"math/rand"
	"sync"
	"time"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/ids"
)

// NonceStore is an explicit capability set (spec.md §9: no duck-typed
// protocols) for exact-once nonce tracking.
type NonceStore interface {
	IsUsed(nonce string) bool
	MarkUsed(nonce string, ttl time.Duration) error
}

// sweepProbability is the chance any single MarkUsed call also runs a full
// expired-entry sweep. At p=0.01 the amortized cost per call stays O(1)
// even under an adversary that never lets the store go idle, closing the
// unbounded-growth CVE class spec.md §4.5 calls out.
const sweepProbability = 0.01

type nonceEntry struct {
	expiresAt time.Time
}

// MemoryNonceStore is the in-memory NonceStore, guarded by its own mutex
// per spec.md §5 ("never a global lock").
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]nonceEntry
	clock   ids.Clock
	rand    func() float64
}

// NewMemoryNonceStore constructs an empty store. clock may be nil to use
// the system clock.
func NewMemoryNonceStore(clock ids.Clock) *MemoryNonceStore {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &MemoryNonceStore{
		entries: make(map[string]nonceEntry),
		clock:   clock,
		rand:    rand.Float64,
	}
}

func (s *MemoryNonceStore) IsUsed(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[nonce]
	if !ok {
		return false
	}
	return s.clock.Now().Before(entry.expiresAt)
}

func (s *MemoryNonceStore) MarkUsed(nonce string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if entry, ok := s.entries[nonce]; ok && now.Before(entry.expiresAt) {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeNonceReuse, "nonce already used")
	}

	s.entries[nonce] = nonceEntry{expiresAt: now.Add(ttl)}

	if s.rand() < sweepProbability {
		s.sweepLocked(now)
	}
	return nil
}

// sweepLocked removes expired entries. Caller must hold s.mu.
func (s *MemoryNonceStore) sweepLocked(now time.Time) {
	for nonce, entry := range s.entries {
		if !now.Before(entry.expiresAt) {
			delete(s.entries, nonce)
		}
	}
}

// Len reports the current entry count, for tests asserting eviction.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

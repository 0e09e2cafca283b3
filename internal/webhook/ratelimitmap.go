package webhook

import (
	"container/list"
	"sync"

	"golang.org/x/time/rate"
)

// maxRateLimitEntries bounds the per-URL limiter map so an attacker who
// controls many distinct webhook URLs cannot grow it without bound
// (spec.md §4.13).
const maxRateLimitEntries = 10_000

// perURLRateLimit is a token-bucket-per-URL map with FIFO eviction once it
// reaches maxRateLimitEntries, structurally the same
// container/list+map combination internal/manifest's lruCache uses, but
// evicting the oldest-inserted entry unconditionally (FIFO) rather than
// the least-recently-used one: spec.md §4.13 asks only to bound memory
// growth from attacker-chosen URLs, not to keep hot URLs warm, so the
// simpler FIFO policy is the right-sized tool here.
type perURLRateLimit struct {
	mu    sync.Mutex
	order *list.List               // front = oldest
	elems map[string]*list.Element // url -> element holding *limiterEntry
	limit rate.Limit
	burst int
}

type limiterEntry struct {
	url     string
	limiter *rate.Limiter
}

// newPerURLRateLimit builds a map enforcing limit/burst per distinct URL.
func newPerURLRateLimit(limit rate.Limit, burst int) *perURLRateLimit {
	return &perURLRateLimit{
		order: list.New(),
		elems: make(map[string]*list.Element),
		limit: limit,
		burst: burst,
	}
}

// Allow reports whether a delivery to url may proceed now, creating a
// fresh limiter for previously-unseen URLs and evicting the oldest entry
// first if the map is at capacity.
func (p *perURLRateLimit) Allow(url string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.elems[url]; ok {
		return el.Value.(*limiterEntry).limiter.Allow()
	}

	if len(p.elems) >= maxRateLimitEntries {
		oldest := p.order.Front()
		if oldest != nil {
			p.order.Remove(oldest)
			delete(p.elems, oldest.Value.(*limiterEntry).url)
		}
	}

	entry := &limiterEntry{url: url, limiter: rate.NewLimiter(p.limit, p.burst)}
	el := p.order.PushBack(entry)
	p.elems[url] = el

	return entry.limiter.Allow()
}

// Len reports the number of distinct URLs currently tracked.
func (p *perURLRateLimit) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.elems)
}

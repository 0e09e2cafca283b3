package manifest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asap-run/asap/internal/ids"
)

// Fetcher retrieves manifests over HTTP with conditional GET, an LRU
// cache, and singleflight request coalescing. Concurrent Fetch calls for
// the same URL share one in-flight HTTP request — grounded on the
// dedup pattern in other_examples' handshake-server use of
// singleflight.Group for identical-request coalescing during identity
// resolution, generalized here to manifest fetches.
type Fetcher struct {
	httpClient *http.Client
	cache      *lruCache
	group      singleflight.Group
	clock      ids.Clock
}

// NewFetcher constructs a Fetcher. httpClient may be nil (defaults to a
// client with a 10s timeout); cacheCapacity <= 0 uses DefaultCacheCapacity.
func NewFetcher(httpClient *http.Client, cacheCapacity int, clock ids.Clock) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if clock == nil {
		clock = ids.SystemClock{}
	}
	return &Fetcher{
		httpClient: httpClient,
		cache:      newLRUCache(cacheCapacity),
		clock:      clock,
	}
}

// Fetch retrieves the manifest at url, serving from cache when fresh and
// deduplicating concurrent fetches for the same URL.
func (f *Fetcher) Fetch(url string) (Manifest, error) {
	now := f.clock.Now()
	if entry, fresh := f.cache.get(url, now); fresh {
		return entry.manifest, nil
	}

	v, err, _ := f.group.Do(url, func() (any, error) {
		return f.fetchAndCache(url)
	})
	if err != nil {
		return Manifest{}, err
	}
	return v.(Manifest), nil
}

func (f *Fetcher) fetchAndCache(url string) (Manifest, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		f.cache.invalidate(url)
		return Manifest{}, err
	}

	if stale, ok := f.cache.peekStale(url); ok && stale.etag != "" {
		req.Header.Set("If-None-Match", stale.etag)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.cache.invalidate(url)
		return Manifest{}, fmt.Errorf("manifest fetch failed: %w", err)
	}
	defer resp.Body.Close()

	now := f.clock.Now()

	if resp.StatusCode == http.StatusNotModified {
		if stale, ok := f.cache.peekStale(url); ok {
			stale.expiresAt = now.Add(effectiveTTL(stale.manifest, resp.Header.Get("Cache-Control")))
			f.cache.set(stale)
			return stale.manifest, nil
		}
		f.cache.invalidate(url)
		return Manifest{}, fmt.Errorf("received 304 with no cached manifest for %s", url)
	}

	if resp.StatusCode != http.StatusOK {
		f.cache.invalidate(url)
		return Manifest{}, fmt.Errorf("manifest endpoint returned status %d", resp.StatusCode)
	}

	var m Manifest
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		f.cache.invalidate(url)
		return Manifest{}, fmt.Errorf("failed to decode manifest: %w", err)
	}

	entry := cacheEntry{
		url:       url,
		manifest:  m,
		etag:      resp.Header.Get("ETag"),
		expiresAt: now.Add(effectiveTTL(m, resp.Header.Get("Cache-Control"))),
	}
	f.cache.set(entry)
	return m, nil
}

// effectiveTTL computes min(server TTL header, manifest.ttl_seconds, 5min)
// per spec.md §4.3.
func effectiveTTL(m Manifest, cacheControl string) time.Duration {
	ttl := m.TTL()
	if serverMaxAge, ok := parseMaxAge(cacheControl); ok && serverMaxAge < ttl {
		ttl = serverMaxAge
	}
	if cap := 5 * time.Minute; ttl > cap {
		ttl = cap
	}
	return ttl
}

func parseMaxAge(cacheControl string) (time.Duration, bool) {
	if cacheControl == "" {
		return 0, false
	}
	var seconds int
	if _, err := fmt.Sscanf(cacheControl, "max-age=%d", &seconds); err != nil {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}

// CacheLen reports the current number of cached manifest entries, for
// tests asserting LRU eviction behavior.
func (f *Fetcher) CacheLen() int {
	return f.cache.len()
}

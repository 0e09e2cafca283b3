package manifest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/asap-run/asap/internal/ids"
)

func sampleManifest() Manifest {
	return Manifest{
		ID:         "agent.test.one",
		Name:       "Test Agent",
		Version:    "1.0.0",
		TTLSeconds: 300,
		Endpoints:  map[string]string{"asap": "https://agent.example/asap"},
		Capabilities: Capabilities{
			ProtocolVersion: "0.1",
			Skills:          []Skill{{ID: "echo", Description: "echoes input"}},
		},
	}
}

func TestManifest_RequiresAuth(t *testing.T) {
	m := sampleManifest()
	if m.RequiresAuth() {
		t.Fatal("manifest without auth block should not require auth")
	}
	m.Auth = &Auth{Schemes: []string{"bearer"}}
	if !m.RequiresAuth() {
		t.Fatal("manifest with auth schemes should require auth")
	}
}

func TestManifest_TTLDefault(t *testing.T) {
	m := Manifest{}
	if m.TTL() != 5*time.Minute {
		t.Fatalf("expected default 5m TTL, got %s", m.TTL())
	}
}

func TestFetcher_FetchAndCache(t *testing.T) {
	var hits int32
	m := sampleManifest()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/json")
		writeManifestJSON(w, m)
	}))
	defer srv.Close()

	fetcher := NewFetcher(srv.Client(), 0, nil)
	got, err := fetcher.Fetch(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != m.ID {
		t.Fatalf("unexpected manifest: %+v", got)
	}

	got2, err := fetcher.Fetch(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got2.ID != m.ID {
		t.Fatal("expected cached manifest")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected one fetch due to caching, got %d", hits)
	}
}

func TestFetcher_ConditionalGETOnExpiry(t *testing.T) {
	var hits int32
	m := sampleManifest()
	m.TTLSeconds = 1
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "application/json")
		writeManifestJSON(w, m)
	}))
	defer srv.Close()

	clock := ids.NewFakeClock(time.Now())
	fetcher := NewFetcher(srv.Client(), 0, clock)

	if _, err := fetcher.Fetch(srv.URL); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)
	got, err := fetcher.Fetch(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != m.ID {
		t.Fatal("expected manifest to survive a 304 response")
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected conditional GET as second request, got %d hits", hits)
	}
}

func TestFetcher_CacheEvictsAtCapacity(t *testing.T) {
	m := sampleManifest()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeManifestJSON(w, m)
	}))
	defer srv.Close()

	fetcher := NewFetcher(srv.Client(), 2, nil)
	for i := 0; i < 5; i++ {
		if _, err := fetcher.Fetch(fmt.Sprintf("%s/%d", srv.URL, i)); err != nil {
			t.Fatal(err)
		}
	}
	if fetcher.CacheLen() != 2 {
		t.Fatalf("expected cache capped at 2 entries, got %d", fetcher.CacheLen())
	}
}

func TestFetcher_FailedFetchInvalidatesCache(t *testing.T) {
	fail := true
	m := sampleManifest()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeManifestJSON(w, m)
	}))
	defer srv.Close()

	fetcher := NewFetcher(srv.Client(), 0, nil)
	if _, err := fetcher.Fetch(srv.URL); err == nil {
		t.Fatal("expected first fetch to fail")
	}
	if fetcher.CacheLen() != 0 {
		t.Fatal("expected failed fetch to not populate cache")
	}

	fail = false
	if _, err := fetcher.Fetch(srv.URL); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

func TestServer_ManifestAndHealth(t *testing.T) {
	clock := ids.NewFakeClock(time.Now())
	srv := NewServer(sampleManifest(), clock, nil)
	r := chi.NewRouter()
	srv.Mount(r)

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/.well-known/asap/manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("ETag") == "" {
		t.Fatal("expected ETag header on manifest response")
	}

	healthResp, err := http.Get(ts.URL + "/.well-known/asap/health")
	if err != nil {
		t.Fatal(err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy 200, got %d", healthResp.StatusCode)
	}
}

func TestServer_UnhealthyReturns503(t *testing.T) {
	srv := NewServer(sampleManifest(), nil, func() bool { return false })
	r := chi.NewRouter()
	srv.Mount(r)

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/.well-known/asap/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func writeManifestJSON(w http.ResponseWriter, m Manifest) {
	_ = json.NewEncoder(w).Encode(m)
}

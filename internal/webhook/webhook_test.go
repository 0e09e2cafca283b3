package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
)

func TestIsBlockedIP(t *testing.T) {
	cases := []struct {
		ip      string
		blocked bool
	}{
		{"127.0.0.1", true},
		{"10.0.0.5", true},
		{"172.16.0.1", true},
		{"192.168.1.1", true},
		{"169.254.169.254", true},
		{"0.0.0.0", true},
		{"::1", true},
		{"fe80::1", true},
		{"fc00::1", true},
		{"8.8.8.8", false},
		{"1.1.1.1", false},
	}
	for _, c := range cases {
		ip := net.ParseIP(c.ip)
		if ip == nil {
			t.Fatalf("failed to parse %s", c.ip)
		}
		if got := isBlockedIP(ip); got != c.blocked {
			t.Errorf("isBlockedIP(%s) = %v, want %v", c.ip, got, c.blocked)
		}
	}
}

func TestValidateURL_RejectsNonHTTPScheme(t *testing.T) {
	err := ValidateURL(context.Background(), nil, "ftp://example.com", "ftp", "example.com")
	if err == nil {
		t.Fatal("expected rejection of ftp scheme")
	}
}

func TestValidateURL_RejectsLoopbackTarget(t *testing.T) {
	err := ValidateURL(context.Background(), nil, "http://127.0.0.1/hook", "http", "127.0.0.1")
	if err == nil {
		t.Fatal("expected rejection of loopback target")
	}
}

func TestValidateURL_RejectsMetadataServiceIP(t *testing.T) {
	err := ValidateURL(context.Background(), nil, "http://169.254.169.254/latest/meta-data", "http", "169.254.169.254")
	if err == nil {
		t.Fatal("expected rejection of cloud metadata address")
	}
}

func TestSign_IsDeterministicAndKeyed(t *testing.T) {
	body := []byte(`{"hello":"world"}`)
	sig1 := Sign([]byte("secret-a"), body)
	sig2 := Sign([]byte("secret-a"), body)
	sig3 := Sign([]byte("secret-b"), body)

	if sig1 != sig2 {
		t.Fatal("same secret+body must produce the same signature")
	}
	if sig1 == sig3 {
		t.Fatal("different secrets must produce different signatures")
	}
	if !strings.HasPrefix(sig1, "sha256=") {
		t.Fatalf("unexpected signature format: %s", sig1)
	}
}

func TestPerURLRateLimit_AllowsUpToBurstThenBlocks(t *testing.T) {
	limiter := newPerURLRateLimit(1, 2) // 1/sec refill, burst 2
	if !limiter.Allow("http://a") {
		t.Fatal("expected first call allowed")
	}
	if !limiter.Allow("http://a") {
		t.Fatal("expected second call allowed (within burst)")
	}
	if limiter.Allow("http://a") {
		t.Fatal("expected third immediate call to be rate limited")
	}
}

func TestPerURLRateLimit_EvictsOldestAtCapacity(t *testing.T) {
	limiter := newPerURLRateLimit(1, 1)
	for i := 0; i < maxRateLimitEntries; i++ {
		limiter.Allow(urlFor(i))
	}
	if limiter.Len() != maxRateLimitEntries {
		t.Fatalf("Len() = %d, want %d", limiter.Len(), maxRateLimitEntries)
	}
	// One more distinct URL must evict the oldest rather than grow unbounded.
	limiter.Allow(urlFor(maxRateLimitEntries))
	if limiter.Len() != maxRateLimitEntries {
		t.Fatalf("Len() after eviction = %d, want %d", limiter.Len(), maxRateLimitEntries)
	}
}

func urlFor(i int) string {
	return "http://host" + strconv.Itoa(i) + "/webhook"
}

func TestDeadLetterQueue_BoundedRingBuffer(t *testing.T) {
	q := newDeadLetterQueue(3)
	for i := 0; i < 5; i++ {
		q.Push(DeadLetterEntry{URL: urlFor(i)})
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	entries := q.List()
	// oldest surviving entry should be urlFor(2), since 0 and 1 were evicted
	if entries[0].URL != urlFor(2) {
		t.Fatalf("oldest entry = %s, want %s", entries[0].URL, urlFor(2))
	}
	if entries[2].URL != urlFor(4) {
		t.Fatalf("newest entry = %s, want %s", entries[2].URL, urlFor(4))
	}
}

func TestDispatcher_DeliversAndVerifiesSignature(t *testing.T) {
	secret := []byte("shh")
	var receivedSig string
	var receivedBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedSig = r.Header.Get(signatureHeader)
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	allowTestServer(t, srv)
	d := NewDispatcher(Options{})

	payload := map[string]string{"event": "task.completed"}
	if err := d.Deliver(context.Background(), srv.URL+"/hook", payload, secret); err != nil {
		t.Fatal(err)
	}

	want, _ := json.Marshal(payload)
	expectedSig := Sign(secret, want)
	if receivedSig != expectedSig {
		t.Fatalf("signature mismatch: got %s want %s", receivedSig, expectedSig)
	}
	if string(receivedBody) != string(want) {
		t.Fatalf("body mismatch: got %s want %s", receivedBody, want)
	}
}

func TestDispatcher_RetriesOnServerErrorThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	allowTestServer(t, srv)
	d := NewDispatcher(Options{MaxAttempts: 5})

	if err := d.Deliver(context.Background(), srv.URL+"/hook", map[string]int{"n": 1}, []byte("k")); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDispatcher_FourXXIsNotRetried(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	allowTestServer(t, srv)
	d := NewDispatcher(Options{MaxAttempts: 5})
	err := d.Deliver(context.Background(), srv.URL+"/hook", map[string]int{"n": 1}, []byte("k"))
	if err == nil {
		t.Fatal("expected delivery failure on 400")
	}
	if atomic.LoadInt32(&attempts) != 1 {
		t.Fatalf("attempts = %d, want exactly 1 (no retry on 4xx)", attempts)
	}
}

func TestDispatcher_ExhaustedRetriesGoToDeadLetterQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	allowTestServer(t, srv)
	d := NewDispatcher(Options{MaxAttempts: 2})
	err := d.Deliver(context.Background(), srv.URL+"/hook", map[string]int{"n": 1}, []byte("k"))
	if err == nil {
		t.Fatal("expected delivery failure after exhausting retries")
	}

	dead := d.DeadLetters()
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead-letter entry, got %d", len(dead))
	}
	if dead[0].Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", dead[0].Attempts)
	}
}

func TestDispatcher_RejectsSSRFTarget(t *testing.T) {
	d := NewDispatcher(Options{})
	err := d.Deliver(context.Background(), "http://169.254.169.254/latest/meta-data", map[string]int{"n": 1}, []byte("k"))
	if err == nil {
		t.Fatal("expected SSRF rejection")
	}
}

// allowTestServer adds srv's host to AllowedHosts for the duration of the
// test, so a real httptest.Server on loopback can receive deliveries
// without tripping the SSRF guard (grounded on
// internal/upload/ssrf.go's SSRFAllowedHostsList test-only bypass).
func allowTestServer(t *testing.T, srv *httptest.Server) {
	t.Helper()
	host := strings.TrimPrefix(strings.TrimPrefix(srv.URL, "http://"), "https://")
	if idx := strings.IndexByte(host, '/'); idx != -1 {
		host = host[:idx]
	}
	hostname, _, err := net.SplitHostPort(host)
	if err != nil {
		hostname = host
	}

	AllowedHosts = append(AllowedHosts, hostname)
	t.Cleanup(func() {
		for i, h := range AllowedHosts {
			if h == hostname {
				AllowedHosts = append(AllowedHosts[:i], AllowedHosts[i+1:]...)
				break
			}
		}
	})
}

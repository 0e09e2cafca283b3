package manifest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/asap-run/asap/internal/ids"
)

// HealthStatus reports process liveness for /.well-known/asap/health.
type HealthStatus struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// Server exposes an agent's own manifest over the well-known routes, the
// same way the teacher registers /healthz and /v1/sync/info as
// unauthenticated chi routes in Routes().
type Server struct {
	manifest  Manifest
	startedAt time.Time
	clock     ids.Clock
	healthy   func() bool
}

// NewServer constructs a manifest server publishing m. healthy reports
// liveness for the health endpoint; nil means always-healthy.
func NewServer(m Manifest, clock ids.Clock, healthy func() bool) *Server {
	if clock == nil {
		clock = ids.SystemClock{}
	}
	if healthy == nil {
		healthy = func() bool { return true }
	}
	return &Server{manifest: m, startedAt: clock.Now(), clock: clock, healthy: healthy}
}

// Mount registers the well-known routes onto r.
func (s *Server) Mount(r chi.Router) {
	r.Get("/.well-known/asap/manifest.json", s.serveManifest)
	r.Get("/.well-known/asap/health", s.serveHealth)
}

func (s *Server) etag() string {
	return fmt.Sprintf(`"%s-%s"`, s.manifest.ID, s.manifest.Version)
}

func (s *Server) serveManifest(w http.ResponseWriter, r *http.Request) {
	etag := s.etag()
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(s.manifest.TTL().Seconds())))

	if inm := r.Header.Get("If-None-Match"); inm != "" && inm == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.manifest)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int64(s.clock.Now().Sub(s.startedAt).Seconds())
	status := HealthStatus{Status: "healthy", UptimeSeconds: uptime}

	w.Header().Set("Content-Type", "application/json")
	if !s.healthy() {
		status.Status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(status)
		return
	}

	json.NewEncoder(w).Encode(status)
}

// Command asapd runs the ASAP protocol server: the C8 inbound pipeline
// (JSON-RPC over HTTP and WebSocket), the manifest well-known endpoint,
// and the operator REST surface, wired together the way the teacher's
// cmd/server/main.go assembles internal/httpapi.Server.
package main

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/asap-run/asap/internal/auth"
	"github.com/asap-run/asap/internal/config"
	"github.com/asap-run/asap/internal/db"
	"github.com/asap-run/asap/internal/delegation"
	"github.com/asap-run/asap/internal/ids"
	"github.com/asap-run/asap/internal/manifest"
	"github.com/asap-run/asap/internal/metering"
	"github.com/asap-run/asap/internal/obs"
	"github.com/asap-run/asap/internal/ratelimit"
	"github.com/asap-run/asap/internal/replay"
	"github.com/asap-run/asap/internal/server"
	"github.com/asap-run/asap/internal/snapshot"
	"github.com/asap-run/asap/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logging isn't configured yet at this point, so report straight
		// to stderr rather than through zerolog.
		os.Stderr.WriteString("asapd: " + err.Error() + "\n")
		os.Exit(1)
	}

	obs.InitLogging("asapd", cfg.LogFormat)
	if cfg.Debug {
		log.Logger = log.Logger.With().Caller().Logger()
	}

	ctx := context.Background()

	rules, err := ratelimit.ParseRules(cfg.RateLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ASAP_RATE_LIMIT")
	}

	recorder, snapStore, revocationStore, pool := buildStorage(ctx, cfg)
	if pool != nil {
		defer pool.Close()
	}

	verifier := buildVerifier(cfg)
	signingKey, verifyKey := buildDelegationKeys(cfg)

	taskHandlers := &server.TaskHandlers{
		Store:         snapStore,
		Clock:         ids.SystemClock{},
		Webhooks:      webhook.NewDispatcher(webhook.Options{}),
		WebhookURLs:   cfg.WebhookURLs,
		WebhookSecret: []byte(cfg.WebhookSecret),
	}
	registry := server.NewRegistry()
	taskHandlers.Register(registry)
	server.NewMCPHandlers(taskHandlers).Register(registry)

	deps := server.Deps{
		Registry:    registry,
		Pool:        server.NewWorkerPool(ctx, 16),
		WindowGuard: replay.DefaultWindowGuard(),
		NonceStore:  replay.NewMemoryNonceStore(ids.SystemClock{}),
		RateLimiter: ratelimit.New(rules, ids.SystemClock{}, time.Hour),
		Verifier:    verifier,
		Metrics:     metering.NewMetrics(),
		Recorder:    recorder,
		Manifest:    buildManifestServer(),

		DelegationSigningKey: signingKey,
		DelegationVerifyKey:  verifyKey,
		RevocationStore:      revocationStore,

		MaxBodyBytes: cfg.MaxRequestSize,
		Debug:        cfg.Debug,
	}
	pipeline := server.NewPipeline(deps)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      pipeline.Routes(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("starting asapd")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	log.Info().Msg("asapd stopped")
}

// buildStorage wires the Postgres-backed recorder/snapshot store when
// ASAP_DATABASE_URL is configured, falling back to the in-memory
// implementations for a zero-dependency local run. pool is returned so
// main can close it on shutdown; it is nil in the memory-only case.
func buildStorage(ctx context.Context, cfg *config.Config) (metering.Recorder, snapshot.Store, delegation.RevocationStore, closer) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("ASAP_DATABASE_URL not set: using in-memory metering and snapshot storage " +
			"(state is lost on restart)")
		return metering.NewMemoryRecorder(), snapshot.NewMemoryStore(), delegation.NewMemoryRevocationStore(), nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	// No Postgres-backed RevocationStore exists yet (see DESIGN.md): the
	// delegation cascade-revoke lineage graph stays in memory even when
	// metering and snapshots are durable.
	return metering.NewPostgresRecorder(pool), snapshot.NewPostgresStore(pool), delegation.NewMemoryRevocationStore(), pool
}

// closer matches *pgxpool.Pool's Close method without importing pgxpool
// here just for the type.
type closer interface {
	Close()
}

func buildVerifier(cfg *config.Config) *auth.JWTVerifier {
	if cfg.JWTJWKSURL == "" {
		log.Warn().Msg("ASAP_AUTH jwt issuer/jwks not configured: running without authentication " +
			"(every envelope.sender is trusted as-is)")
		return nil
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		JWKSURL:        cfg.JWTJWKSURL,
		Issuer:         cfg.JWTIssuer,
		Audience:       cfg.JWTAudience,
		CustomClaimKey: cfg.AuthCustomClaim,
		SubjectMap:     cfg.AuthSubjectMap,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct JWT verifier")
	}
	return verifier
}

// buildDelegationKeys loads a persistent signing key from
// ASAP_DELEGATION_SIGNING_KEY, or mints an ephemeral one with a loud
// warning: a fresh key on every restart invalidates every outstanding
// delegation token, but that's still safer than shipping a hardcoded
// default key.
func buildDelegationKeys(cfg *config.Config) (ed25519.PrivateKey, ed25519.PublicKey) {
	priv, ok, err := config.ParseDelegationSeed(cfg.DelegationSigningKeySeed)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid ASAP_DELEGATION_SIGNING_KEY")
	}
	if ok {
		return priv, priv.Public().(ed25519.PublicKey)
	}

	log.Warn().Msg("ASAP_DELEGATION_SIGNING_KEY not set: generating an ephemeral delegation signing key " +
		"(every delegation token issued before a restart becomes unverifiable afterward)")
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate ephemeral delegation signing key")
	}
	return priv, pub
}

func buildManifestServer() *manifest.Server {
	m := manifest.Manifest{
		ID:          "asapd",
		Name:        "ASAP reference server",
		Version:     "0.1.0",
		Description: "Reference implementation of the Agent-to-agent Streaming Asynchronous Protocol server.",
		Endpoints: map[string]string{
			"rpc":         "/asap",
			"ws":          "/asap/ws",
			"delegations": "/asap/delegations",
			"metrics":     "/asap/metrics",
		},
		Capabilities: manifest.Capabilities{
			ProtocolVersion:  "0.1",
			StatePersistence: true,
			Streaming:        true,
		},
	}
	return manifest.NewServer(m, ids.SystemClock{}, func() bool { return true })
}

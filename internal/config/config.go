// Package config loads ASAP's runtime configuration from the environment,
// generalizing the teacher's cmd/server/main.go env() helper into a single
// validated Config struct backed by spf13/viper.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every ASAP_* environment variable from spec.md §6.
type Config struct {
	RateLimit       string              // ASAP_RATE_LIMIT, e.g. "10/second;100/minute"
	MaxRequestSize  int64               // ASAP_MAX_REQUEST_SIZE, bytes
	AuthCustomClaim string              // ASAP_AUTH_CUSTOM_CLAIM
	AuthSubjectMap  map[string][]string // ASAP_AUTH_SUBJECT_MAP, agent_id -> acceptable subs
	Debug           bool                // ASAP_DEBUG
	LogFormat       string              // ASAP_LOG_FORMAT: "json" or "console"
	HTTPAddr        string
	DatabaseURL     string
	JWTIssuer       string
	JWTJWKSURL      string
	JWTAudience     string

	// DelegationSigningKeySeed is a base64-encoded 32-byte Ed25519 seed
	// (ASAP_DELEGATION_SIGNING_KEY). Empty means no persistent key was
	// configured; cmd/asapd generates an ephemeral one and logs a warning,
	// since a fresh key on every restart invalidates outstanding
	// delegation tokens but is still safer than a hardcoded default.
	DelegationSigningKeySeed string

	// WebhookURLs (ASAP_WEBHOOK_URLS, comma-separated) receive every
	// artifact.notify event; WebhookSecret (ASAP_WEBHOOK_SECRET) signs
	// each delivery's body per spec.md §4.13.
	WebhookURLs   []string
	WebhookSecret string
}

// Load reads configuration from the environment, applying spec.md §6's
// documented defaults via viper.SetDefault, the same role the teacher's
// env(k, def) helper played.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("asap")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("rate_limit", "10/second;100/minute")
	v.SetDefault("max_request_size", 10*1024*1024)
	v.SetDefault("auth_custom_claim", "https://asap-protocol.com/agent_id")
	v.SetDefault("auth_subject_map", "")
	v.SetDefault("debug", false)
	v.SetDefault("log_format", "json")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("jwt_issuer", "")
	v.SetDefault("jwt_jwks_url", "")
	v.SetDefault("jwt_audience", "")
	v.SetDefault("delegation_signing_key", "")
	v.SetDefault("webhook_urls", "")
	v.SetDefault("webhook_secret", "")

	subjectMap, err := parseSubjectMap(v.GetString("auth_subject_map"))
	if err != nil {
		return nil, fmt.Errorf("config: ASAP_AUTH_SUBJECT_MAP: %w", err)
	}

	cfg := &Config{
		RateLimit:       v.GetString("rate_limit"),
		MaxRequestSize:  v.GetInt64("max_request_size"),
		AuthCustomClaim: v.GetString("auth_custom_claim"),
		AuthSubjectMap:  subjectMap,
		Debug:           v.GetBool("debug"),
		LogFormat:       v.GetString("log_format"),
		HTTPAddr:        v.GetString("http_addr"),
		DatabaseURL:     v.GetString("database_url"),
		JWTIssuer:       v.GetString("jwt_issuer"),
		JWTJWKSURL:      v.GetString("jwt_jwks_url"),
		JWTAudience:     v.GetString("jwt_audience"),

		DelegationSigningKeySeed: v.GetString("delegation_signing_key"),

		WebhookURLs:   parseWebhookURLs(v.GetString("webhook_urls")),
		WebhookSecret: v.GetString("webhook_secret"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseWebhookURLs splits ASAP_WEBHOOK_URLS on commas, trimming whitespace
// and dropping empty entries so a trailing comma or blank env var doesn't
// produce a spurious subscriber.
func parseWebhookURLs(raw string) []string {
	var urls []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}

func parseSubjectMap(raw string) (map[string][]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string][]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return m, nil
}

// Validate fails fast on contradictory settings, grounded on the
// teacher's cmd/server/main.go both-or-neither check for JWT_ISSUER and
// JWT_JWKS_URL: setting only one would either accept tokens from any
// issuer (JWKS without issuer) or have no keys to verify against (issuer
// without JWKS).
func (c *Config) Validate() error {
	if (c.JWTJWKSURL != "" && c.JWTIssuer == "") || (c.JWTJWKSURL == "" && c.JWTIssuer != "") {
		return fmt.Errorf("config: ASAP_AUTH jwt issuer and jwks url must both be set or both be empty " +
			"(setting only jwks would accept tokens from any issuer; setting only issuer leaves no keys to verify against)")
	}
	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("config: ASAP_MAX_REQUEST_SIZE must be positive, got %d", c.MaxRequestSize)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("config: ASAP_LOG_FORMAT must be %q or %q, got %q", "json", "console", c.LogFormat)
	}
	return nil
}

// ParseDelegationSeed decodes a base64 32-byte Ed25519 seed into a private
// key. Returns (nil, false, nil) when seed is empty so the caller can decide
// whether to generate an ephemeral key instead of treating absence as an
// error.
func ParseDelegationSeed(seed string) (ed25519.PrivateKey, bool, error) {
	if seed == "" {
		return nil, false, nil
	}
	raw, err := base64.StdEncoding.DecodeString(seed)
	if err != nil {
		return nil, false, fmt.Errorf("config: ASAP_DELEGATION_SIGNING_KEY: invalid base64: %w", err)
	}
	if len(raw) != ed25519.SeedSize {
		return nil, false, fmt.Errorf("config: ASAP_DELEGATION_SIGNING_KEY: expected %d raw bytes, got %d",
			ed25519.SeedSize, len(raw))
	}
	return ed25519.NewKeyFromSeed(raw), true, nil
}

// ReadTimeout/WriteTimeout/IdleTimeout mirror the teacher's http.Server
// field values in cmd/server/main.go; they aren't environment-tunable
// since spec.md doesn't call for that, but are named here so the server
// pipeline doesn't scatter magic durations across call sites.
const (
	ReadTimeout  = 15 * time.Second
	WriteTimeout = 30 * time.Second
	IdleTimeout  = 120 * time.Second
)

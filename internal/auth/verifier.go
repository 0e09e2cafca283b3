package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asap-run/asap/internal/asaperr"
)

// DefaultCustomClaimKey is the claim ASAP looks up for identity binding
// when present, per spec.md §4.7 / §6 (ASAP_AUTH_CUSTOM_CLAIM).
const DefaultCustomClaimKey = "https://asap-protocol.com/agent_id"

// VerifierConfig configures a JWTVerifier. Parsing of SubjectMap into its
// reverse lookup happens once at NewVerifier, not per request — mirrors
// the teacher's main.go both-or-neither JWKS/issuer config validation:
// parse configuration once at startup, fail fast.
type VerifierConfig struct {
	JWKSURL        string
	Issuer         string
	Audience       string
	CustomClaimKey string          // default DefaultCustomClaimKey if empty
	SubjectMap     map[string][]string // agent_id -> acceptable subs (ASAP_AUTH_SUBJECT_MAP)
	JWKSCacheTTL   time.Duration   // default 1 hour
	HTTPClient     *http.Client
}

// JWTVerifier verifies bearer tokens and resolves the caller's ASAP agent
// identity, implementing spec.md §4.7 steps 2-4.
type JWTVerifier struct {
	cfg         VerifierConfig
	jwks        *jwksCache
	claimKey    string
	subToAgent  map[string]string // sub -> agent_id, built once from SubjectMap
}

// NewVerifier constructs a verifier. JWKSURL must be non-empty; issuer and
// audience are optional, and Verify checks each one only when it is set.
func NewVerifier(cfg VerifierConfig) (*JWTVerifier, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("auth: JWKSURL is required")
	}
	claimKey := cfg.CustomClaimKey
	if claimKey == "" {
		claimKey = DefaultCustomClaimKey
	}
	ttl := cfg.JWKSCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	subToAgent := make(map[string]string, len(cfg.SubjectMap))
	for agentID, subs := range cfg.SubjectMap {
		for _, sub := range subs {
			subToAgent[sub] = agentID
		}
	}

	return &JWTVerifier{
		cfg:        cfg,
		jwks:       newJWKSCache(cfg.JWKSURL, ttl, cfg.HTTPClient),
		claimKey:   claimKey,
		subToAgent: subToAgent,
	}, nil
}

// Verify validates tokenString's signature and standard claims, then
// resolves the authenticated ASAP agent identity via the custom claim or
// the subject allowlist fallback. Returns asaperr-classified errors so
// callers can map them onto the right HTTP status (401 for
// auth_required/auth_invalid, 403 for permission_denied). A JWKS fetch
// failure is reported as auth_invalid too: it is not told apart from a bad
// signature or an unknown kid.
func (v *JWTVerifier) Verify(tokenString string) (agentID string, err error) {
	if tokenString == "" {
		return "", asaperr.New(asaperr.CategorySecurity, asaperr.CodeAuthRequired, "missing bearer token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyfunc, jwt.WithValidMethods([]string{"RS256", "EdDSA"}))
	if err != nil || !token.Valid {
		return "", asaperr.New(asaperr.CategorySecurity, asaperr.CodeAuthInvalid, fmt.Sprintf("jwt validation failed: %v", err))
	}

	if v.cfg.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != v.cfg.Issuer {
			return "", asaperr.New(asaperr.CategorySecurity, asaperr.CodeAuthInvalid, "unexpected issuer")
		}
	}

	if v.cfg.Audience != "" {
		auds, _ := claims.GetAudience()
		if !containsString(auds, v.cfg.Audience) {
			return "", asaperr.New(asaperr.CategorySecurity, asaperr.CodeAuthInvalid, "unexpected audience")
		}
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return "", asaperr.New(asaperr.CategorySecurity, asaperr.CodeAuthInvalid, "missing sub claim")
	}

	if raw, ok := claims[v.claimKey]; ok {
		if id, ok := raw.(string); ok && id != "" {
			return id, nil
		}
	}

	if id, ok := v.subToAgent[sub]; ok {
		return id, nil
	}

	return "", asaperr.New(asaperr.CategorySecurity, asaperr.CodePermissionDenied,
		"subject not present in custom claim or operator subject allowlist")
}

// keyfunc resolves the verification key for token via JWKS, restricting
// to RS256 and EdDSA (the "none" algorithm is excluded by WithValidMethods
// above, closing the classic alg-confusion hole).
func (v *JWTVerifier) keyfunc(t *jwt.Token) (any, error) {
	kid, ok := t.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, fmt.Errorf("missing kid in token header")
	}
	key, err := v.jwks.getKey(kid)
	if err != nil {
		return nil, err
	}
	return key, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// ParseSubjectMapJSON parses the ASAP_AUTH_SUBJECT_MAP environment value
// (a JSON object mapping agent_id to a list of acceptable subs).
func ParseSubjectMapJSON(raw string) (map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string][]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("invalid ASAP_AUTH_SUBJECT_MAP: %w", err)
	}
	return m, nil
}

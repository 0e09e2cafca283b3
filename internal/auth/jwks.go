package auth

import (
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// jwksCache caches JWKS public keys per authority, grounded on the
// teacher's internal/auth/jwt.go jwksCache: RWMutex-protected map of
// kid -> public key, TTL-based refresh, forced refresh on a missing kid
// to pick up key rotation.
type jwksCache struct {
	mu         sync.RWMutex
	keys       map[string]any // *rsa.PublicKey or ed25519.PublicKey
	lastFetch  time.Time
	cacheTTL   time.Duration
	jwksURL    string
	httpClient *http.Client
}

func newJWKSCache(jwksURL string, cacheTTL time.Duration, httpClient *http.Client) *jwksCache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &jwksCache{
		keys:       make(map[string]any),
		cacheTTL:   cacheTTL,
		jwksURL:    jwksURL,
		httpClient: httpClient,
	}
}

type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Crv string `json:"crv"`
	N   string `json:"n"`
	E   string `json:"e"`
	X   string `json:"x"`
}

func (c *jwksCache) fetch(forceRefresh bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !forceRefresh && time.Since(c.lastFetch) < c.cacheTTL && len(c.keys) > 0 {
		return nil
	}

	resp, err := c.httpClient.Get(c.jwksURL)
	if err != nil {
		return fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read JWKS response: %w", err)
	}

	var jwks jwksResponse
	if err := json.Unmarshal(body, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}

	keys := make(map[string]any)
	for _, k := range jwks.Keys {
		switch {
		case k.Kty == "RSA" && (k.Use == "" || k.Use == "sig"):
			pub, err := decodeRSAKey(k)
			if err != nil {
				log.Warn().Err(err).Str("kid", k.Kid).Msg("failed to decode RSA JWKS key")
				continue
			}
			keys[k.Kid] = pub
		case k.Kty == "OKP" && k.Crv == "Ed25519":
			pub, err := decodeEd25519Key(k)
			if err != nil {
				log.Warn().Err(err).Str("kid", k.Kid).Msg("failed to decode Ed25519 JWKS key")
				continue
			}
			keys[k.Kid] = pub
		}
	}

	if len(keys) == 0 {
		return fmt.Errorf("no usable signing keys found in JWKS")
	}

	c.keys = keys
	c.lastFetch = time.Now()
	log.Info().Int("key_count", len(keys)).Str("jwks_url", c.jwksURL).Msg("refreshed JWKS cache")
	return nil
}

func decodeRSAKey(k jwkKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decode modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decode exponent: %w", err)
	}
	var eInt int
	for _, b := range eBytes {
		eInt = eInt<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: eInt}, nil
}

func decodeEd25519Key(k jwkKey) (ed25519.PublicKey, error) {
	xBytes, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decode x: %w", err)
	}
	if len(xBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("unexpected Ed25519 key length %d", len(xBytes))
	}
	return ed25519.PublicKey(xBytes), nil
}

// getKey resolves a kid, forcing a refresh on cache miss or TTL expiry to
// pick up key rotations.
func (c *jwksCache) getKey(kid string) (any, error) {
	c.mu.RLock()
	expired := time.Since(c.lastFetch) >= c.cacheTTL
	c.mu.RUnlock()

	if expired {
		if err := c.fetch(false); err != nil {
			log.Warn().Err(err).Msg("failed to refresh expired JWKS cache, using stale keys")
		}
	}

	c.mu.RLock()
	key, ok := c.keys[kid]
	c.mu.RUnlock()
	if ok {
		return key, nil
	}

	if err := c.fetch(true); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS for missing key %s: %w", kid, err)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok = c.keys[kid]
	if !ok {
		return nil, fmt.Errorf("key ID %s not found in JWKS even after refresh", kid)
	}
	return key, nil
}

// Package delegation implements ASAP's C14 component: Ed25519-signed
// delegation tokens and cycle-safe cascade revocation (spec.md §4.14).
package delegation

import (
	"crypto/ed25519"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/asap-run/asap/internal/asaperr"
)

// Claims is the delegation token's payload, per spec.md's
// "{delegator, delegate, scopes, expires_at, max_cost_units, token_id}".
// It embeds jwt.RegisteredClaims so Issuer/Subject/ExpiresAt/ID map onto
// the standard iss/sub/exp/jti claims jwt.ParseWithClaims validates.
type Claims struct {
	jwt.RegisteredClaims
	Scopes       []string `json:"scopes"`
	MaxCostUnits float64  `json:"max_cost_units"`
}

// Delegator returns the issuing agent (the "iss" claim).
func (c Claims) Delegator() string { return c.Issuer }

// Delegate returns the recipient agent (the "sub" claim).
func (c Claims) Delegate() string { return c.Subject }

// TokenID returns the token's unique id (the "jti" claim).
func (c Claims) TokenID() string { return c.ID }

// IssueParams describes a new delegation token to mint.
type IssueParams struct {
	Delegator    string
	Delegate     string
	Scopes       []string
	MaxCostUnits float64
	TokenID      string
	ExpiresAt    time.Time
	IssuedAt     time.Time
}

// Issue signs a new delegation token with priv: an Ed25519 JWT carrying
// iss=delegator, sub=delegate, jti=token_id, exp, iat, scopes and
// max_cost_units.
func Issue(priv ed25519.PrivateKey, p IssueParams) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.Delegator,
			Subject:   p.Delegate,
			ID:        p.TokenID,
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(p.IssuedAt),
		},
		Scopes:       p.Scopes,
		MaxCostUnits: p.MaxCostUnits,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(priv)
}

// Verifier checks delegation tokens: signature, expiry, a non-empty jti,
// and revocation status. It does not check a token's delegation depth;
// the depth cap of 50 is applied only by CascadeRevoke.
type Verifier struct {
	pub        ed25519.PublicKey
	revocation RevocationStore
}

// NewVerifier builds a Verifier checking signatures against pub and
// revocation status against store.
func NewVerifier(pub ed25519.PublicKey, store RevocationStore) *Verifier {
	return &Verifier{pub: pub, revocation: store}
}

// Verify parses and validates tokenString, returning its Claims if the
// token is signed correctly, unexpired, and not revoked.
func (v *Verifier) Verify(tokenString string) (Claims, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		return v.pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))

	if err != nil || !token.Valid {
		return Claims{}, asaperr.New(asaperr.CategorySecurity, asaperr.CodeAuthInvalid, "invalid delegation token")
	}

	if claims.ID == "" {
		return Claims{}, asaperr.New(asaperr.CategorySecurity, asaperr.CodeAuthInvalid, "delegation token missing jti")
	}

	if v.revocation != nil {
		revoked, err := v.revocation.IsRevoked(claims.ID)
		if err != nil {
			return Claims{}, err
		}
		if revoked {
			return Claims{}, asaperr.New(asaperr.CategorySecurity, asaperr.CodePermissionDenied, "delegation token revoked").WithData(map[string]any{"token_id": claims.ID})
		}
	}

	return claims, nil
}

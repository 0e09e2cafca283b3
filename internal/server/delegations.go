package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/asap-run/asap/internal/delegation"
	"github.com/asap-run/asap/internal/ids"
)

// mountDelegationRoutes wires POST|GET|DELETE /asap/delegations, the
// operator surface for minting, inspecting, and cascade-revoking
// delegation tokens spec.md §6 names.
func mountDelegationRoutes(r chi.Router, deps *Deps) {
	r.Post("/asap/delegations", issueDelegationHandler(deps))
	r.Get("/asap/delegations", inspectDelegationHandler(deps))
	r.Delete("/asap/delegations", revokeDelegationHandler(deps))
}

type issueDelegationRequest struct {
	Delegator     string   `json:"delegator"`
	Delegate      string   `json:"delegate"`
	Scopes        []string `json:"scopes"`
	MaxCostUnits  float64  `json:"max_cost_units"`
	TTLSeconds    int64    `json:"ttl_seconds"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
}

type issueDelegationResponse struct {
	Token   string `json:"token"`
	TokenID string `json:"token_id"`
}

func issueDelegationHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.DelegationSigningKey == nil {
			writeOperatorError(w, http.StatusServiceUnavailable, "delegation issuance is not configured")
			return
		}

		var req issueDelegationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeOperatorError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if req.Delegator == "" || req.Delegate == "" {
			writeOperatorError(w, http.StatusBadRequest, "delegator and delegate are required")
			return
		}
		if req.TTLSeconds <= 0 {
			req.TTLSeconds = 3600
		}

		tokenID, err := ids.Generate()
		if err != nil {
			writeOperatorError(w, http.StatusInternalServerError, "failed to generate token id")
			return
		}

		now := deps.Clock.Now()
		token, err := delegation.Issue(deps.DelegationSigningKey, delegation.IssueParams{
			Delegator:    req.Delegator,
			Delegate:     req.Delegate,
			Scopes:       req.Scopes,
			MaxCostUnits: req.MaxCostUnits,
			TokenID:      tokenID,
			IssuedAt:     now,
			ExpiresAt:    now.Add(time.Duration(req.TTLSeconds) * time.Second),
		})
		if err != nil {
			writeOperatorError(w, http.StatusInternalServerError, "failed to sign delegation token")
			return
		}

		if req.ParentTokenID != "" && deps.RevocationStore != nil {
			if err := deps.RevocationStore.RecordDelegation(req.ParentTokenID, tokenID); err != nil {
				writeOperatorError(w, http.StatusInternalServerError, "failed to record delegation lineage")
				return
			}
		}

		writeJSON(w, http.StatusCreated, issueDelegationResponse{Token: token, TokenID: tokenID})
	}
}

type inspectDelegationResponse struct {
	Claims   delegation.Claims `json:"claims"`
	Revoked  bool              `json:"revoked"`
	Children []string          `json:"children,omitempty"`
}

func inspectDelegationHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.DelegationVerifyKey == nil {
			writeOperatorError(w, http.StatusServiceUnavailable, "delegation verification is not configured")
			return
		}

		token := r.URL.Query().Get("token")
		if token == "" {
			writeOperatorError(w, http.StatusBadRequest, "token query parameter is required")
			return
		}

		verifier := delegation.NewVerifier(deps.DelegationVerifyKey, deps.RevocationStore)
		claims, err := verifier.Verify(token)
		if err != nil {
			writeOperatorError(w, http.StatusUnauthorized, "invalid or revoked delegation token")
			return
		}

		var children []string
		revoked := false
		if deps.RevocationStore != nil {
			revoked, _ = deps.RevocationStore.IsRevoked(claims.TokenID())
			children, _ = deps.RevocationStore.Children(claims.TokenID())
		}

		writeJSON(w, http.StatusOK, inspectDelegationResponse{Claims: claims, Revoked: revoked, Children: children})
	}
}

type revokeDelegationResponse struct {
	RevokedCount int `json:"revoked_count"`
}

func revokeDelegationHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.RevocationStore == nil {
			writeOperatorError(w, http.StatusServiceUnavailable, "delegation revocation is not configured")
			return
		}

		tokenID := r.URL.Query().Get("token_id")
		if tokenID == "" {
			writeOperatorError(w, http.StatusBadRequest, "token_id query parameter is required")
			return
		}
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator revocation"
		}

		count, err := delegation.CascadeRevoke(deps.RevocationStore, tokenID, reason, deps.Clock.Now())
		if err != nil {
			writeOperatorError(w, http.StatusInternalServerError, "failed to cascade-revoke delegation")
			return
		}

		writeJSON(w, http.StatusOK, revokeDelegationResponse{RevokedCount: count})
	}
}

// Package server implements the ASAP C8 server pipeline: the chi router
// and inbound-message processing order spec.md §4.8 specifies, wiring
// every other component (envelope, jsonrpc, replay, ratelimit, auth,
// manifest, metering) into one ordered pass over each request.
//
// Assembly style is grounded on the teacher's
// internal/httpapi/router.go (s *Server) Routes(): ordered r.Use(...)
// calls followed by a grouped route tree.
package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"compress/gzip"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/auth"
	"github.com/asap-run/asap/internal/delegation"
	"github.com/asap-run/asap/internal/envelope"
	"github.com/asap-run/asap/internal/ids"
	"github.com/asap-run/asap/internal/jsonrpc"
	"github.com/asap-run/asap/internal/manifest"
	"github.com/asap-run/asap/internal/metering"
	"github.com/asap-run/asap/internal/obs"
	"github.com/asap-run/asap/internal/ratelimit"
	"github.com/asap-run/asap/internal/replay"
)

// nonceTTL is how long an accepted envelope id is remembered for exact
// replay detection — wide enough to outlive the replay window guard's
// own acceptance window so a nonce can never age out of the store while
// its timestamp would still pass WindowGuard.Check.
const nonceTTL = 10 * time.Minute

// Deps wires every already-built ASAP component into the pipeline. Only
// Registry is required; everything else degrades gracefully when left
// nil so unit tests can exercise the pipeline without a full server.
type Deps struct {
	Registry    *Registry
	Pool        *WorkerPool
	WindowGuard replay.WindowGuard
	NonceStore  replay.NonceStore // nil disables exact-replay detection
	RateLimiter *ratelimit.MultiWindow // nil disables rate limiting
	Verifier    *auth.JWTVerifier      // nil disables authentication
	Metrics     *metering.Metrics      // nil disables Prometheus recording
	Recorder    metering.Recorder      // nil disables event persistence
	Manifest    *manifest.Server       // nil skips well-known routes
	Clock       ids.Clock

	DelegationSigningKey ed25519.PrivateKey     // nil disables POST /asap/delegations
	DelegationVerifyKey  ed25519.PublicKey      // nil disables GET /asap/delegations
	RevocationStore      delegation.RevocationStore // nil disables lineage tracking and DELETE /asap/delegations

	MaxBodyBytes int64 // default 10 MiB, spec.md §6
	Debug        bool  // ASAP_DEBUG: surface raw error text, spec.md §6
}

// Pipeline is the assembled chi handler.
type Pipeline struct {
	deps Deps
}

// NewPipeline constructs a Pipeline, applying spec.md's documented
// defaults for any zero-valued field that has one.
func NewPipeline(deps Deps) *Pipeline {
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 10 * 1024 * 1024
	}
	if deps.Clock == nil {
		deps.Clock = ids.SystemClock{}
	}
	if deps.Registry == nil {
		deps.Registry = NewRegistry()
	}
	if deps.Pool == nil {
		deps.Pool = NewWorkerPool(context.Background(), 16)
	}
	return &Pipeline{deps: deps}
}

// Routes assembles the full chi router: ambient middleware, unauthenticated
// well-known routes, the JSON-RPC/WebSocket surfaces, and the operator REST
// surface, in the order the teacher's Routes() method uses.
func (p *Pipeline) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(obs.CorrelationMiddleware)
	r.Use(obs.Recoverer)

	wellKnownCORS := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler

	r.Group(func(r chi.Router) {
		r.Use(wellKnownCORS)
		if p.deps.Manifest != nil {
			p.deps.Manifest.Mount(r)
		}
	})

	r.Post("/asap", p.handleHTTP)
	r.Get("/asap/ws", p.handleWS)

	mountOperatorRoutes(r, &p.deps)

	return r
}

// handleHTTP implements spec.md §4.8 steps 1-9 for POST /asap.
func (p *Pipeline) handleHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	body, tooLarge, protoErr := p.readBody(w, r)
	if tooLarge {
		// 413 rides outside httpStatusFor's table: no JSON-RPC id exists
		// yet at this point in the pipeline, and quota_exceeded otherwise
		// maps onto a 200 happy-path response everywhere else it's used.
		aerr := asaperr.New(asaperr.CategoryResource, asaperr.CodeQuotaExceeded,
			"request body exceeds the configured maximum size")
		code, msg, data := aerr.ToJSONRPCError()
		writeJSON(w, http.StatusRequestEntityTooLarge, jsonrpc.NewError(nil, code, msg, data))
		return
	}
	if protoErr != nil {
		writeProtocolError(w, protoErr)
		return
	}

	req, rpcErr := jsonrpc.DecodeRequest(body)
	if rpcErr != nil {
		writeJSON(w, http.StatusOK, jsonrpc.Response{JSONRPC: jsonrpc.Version, Error: rpcErr})
		return
	}

	env, err := decodeEnvelope(req.Params)
	if err != nil {
		p.respondError(w, req.ID, err)
		return
	}

	resp, status, retryAfter := p.process(ctx, start, req.ID, env, func() (string, error) {
		return p.authenticate(r, env)
	})
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
	}
	writeJSON(w, status, resp)
}

// authenticate resolves the caller's agent identity: bearer-token
// verification plus the envelope.sender equality check spec.md §4.7 step
// 5 requires, or a no-op pass-through when no Verifier is configured.
func (p *Pipeline) authenticate(r *http.Request, env envelope.Envelope) (string, error) {
	if p.deps.Verifier == nil {
		return env.Sender(), nil
	}
	resolved, err := p.deps.Verifier.Verify(bearerToken(r))
	if err != nil {
		return "", err
	}
	if resolved != env.Sender() {
		return "", asaperr.New(asaperr.CategorySecurity, asaperr.CodeIdentityMismatch,
			"envelope sender does not match authenticated identity")
	}
	return resolved, nil
}

// process implements spec.md §4.8 steps 4-9 once body ingestion, JSON-RPC
// decode, and envelope validation have already succeeded: replay guards
// and rate limiting run first (steps 4-5), authenticate is invoked only
// once both pass (step 6), then dispatch and metering (steps 7-9).
// Shared between the HTTP and WebSocket handlers since both carry the
// same per-message semantics (spec.md §6); authenticate is passed in as a
// closure since HTTP resolves it from a request header while WebSocket
// resolves it once at connection handshake.
func (p *Pipeline) process(ctx context.Context, start time.Time, id json.RawMessage, env envelope.Envelope, authenticate func() (string, error)) (resp jsonrpc.Response, status int, retryAfter time.Duration) {
	if err := p.deps.WindowGuard.Check(env.Timestamp()); err != nil {
		resp, status = toJSONRPCResponse(id, err, p.deps.Debug)
		return
	}

	if p.deps.NonceStore != nil {
		if err := checkNonce(p.deps.NonceStore, env.ID()); err != nil {
			resp, status = toJSONRPCResponse(id, err, p.deps.Debug)
			return
		}
	}

	if p.deps.RateLimiter != nil {
		ok, wait, rule := p.deps.RateLimiter.Check(rateLimitKey(env))
		if !ok {
			resp, status = toJSONRPCResponse(id, asaperr.New(asaperr.CategoryResource, asaperr.CodeRateLimited,
				fmt.Sprintf("rate limit exceeded: %s", rule)), p.deps.Debug)
			retryAfter = wait
			return
		}
	}

	agentID, err := authenticate()
	if err != nil {
		resp, status = toJSONRPCResponse(id, err, p.deps.Debug)
		return
	}

	ctx = obs.WithAgentID(ctx, agentID)
	result, dispatchErr := p.deps.Registry.Dispatch(ctx, p.deps.Pool, env)
	if dispatchErr != nil {
		resp, status = toJSONRPCResponse(id, dispatchErr, p.deps.Debug)
	} else {
		resp, _ = jsonrpc.NewResult(id, result)
		status = http.StatusOK
	}

	p.recordMetering(ctx, agentID, env, status, time.Since(start))
	return
}

// respondError writes err as a 200 JSON-RPC error unless its category
// maps onto one of the HTTP-level refusal codes spec.md §6 names.
func (p *Pipeline) respondError(w http.ResponseWriter, id json.RawMessage, err error) {
	resp, status := toJSONRPCResponse(id, err, p.deps.Debug)
	writeJSON(w, status, resp)
}

// recordMetering implements spec.md §4.8 step 9: sanitized request
// metrics, never a raw token. Failures to record never fail the request.
func (p *Pipeline) recordMetering(ctx context.Context, agentID string, env envelope.Envelope, httpStatus int, elapsed time.Duration) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.RecordRequest(string(env.PayloadType()), strconv.Itoa(httpStatus), elapsed.Seconds())
	}
	if p.deps.Recorder == nil {
		return
	}
	evt, err := metering.NewEvent(agentID, string(env.PayloadType()), httpStatus, elapsed.Milliseconds(), 1.0, p.deps.Clock.Now())
	if err != nil {
		return
	}
	_ = p.deps.Recorder.RecordEvent(ctx, evt)
}

// decodeEnvelope unmarshals req.Params into an envelope.Envelope.
// envelope.UnmarshalJSON already performs strict decoding and closed
// payload_type registry validation (spec.md §4.8 steps 2-3), so no
// separate validation pass is needed here.
func decodeEnvelope(params json.RawMessage) (envelope.Envelope, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(params, &env); err != nil {
		var aerr *asaperr.Error
		if errors.As(err, &aerr) {
			return envelope.Envelope{}, aerr
		}
		return envelope.Envelope{}, asaperr.New(asaperr.CategoryProtocol, asaperr.CodeMalformedEnvelope, err.Error())
	}
	return env, nil
}

// checkNonce enforces exact-once delivery using the envelope id as the
// nonce: a single TTL-bounded store entry per envelope id.
func checkNonce(store replay.NonceStore, envelopeID string) error {
	if store.IsUsed(envelopeID) {
		return asaperr.New(asaperr.CategoryProtocol, asaperr.CodeNonceReuse, "envelope id already processed")
	}
	return store.MarkUsed(envelopeID, nonceTTL)
}

// rateLimitKey uses the envelope sender as the bucket key, falling back
// to "anonymous" for senderless envelopes rather than sharing one global
// bucket across every unauthenticated caller.
func rateLimitKey(env envelope.Envelope) string {
	if env.Sender() == "" {
		return "anonymous"
	}
	return env.Sender()
}

// bearerToken extracts the token from a standard "Authorization: Bearer
// <token>" header, returning "" when absent so JWTVerifier.Verify can
// report auth_required itself.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// readBody implements spec.md §4.8 step 1: a length-capped stream with
// gzip/brotli decompression. tooLarge is reported separately from
// protoErr so the caller can map it onto 413 specifically.
func (p *Pipeline) readBody(w http.ResponseWriter, r *http.Request) (body []byte, tooLarge bool, protoErr *asaperr.Error) {
	r.Body = http.MaxBytesReader(w, r.Body, p.deps.MaxBodyBytes)

	var reader io.Reader = r.Body
	switch strings.ToLower(r.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, false, asaperr.New(asaperr.CategoryProtocol, asaperr.CodeMalformedEnvelope, "invalid gzip body")
		}
		defer gz.Close()
		reader = gz
	case "br":
		reader = brotli.NewReader(reader)
	case "":
		// no transfer encoding
	default:
		return nil, false, asaperr.New(asaperr.CategoryProtocol, asaperr.CodeMalformedEnvelope, "unsupported content-encoding")
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, true, nil
		}
		return nil, false, asaperr.New(asaperr.CategoryProtocol, asaperr.CodeMalformedEnvelope, "failed to read request body")
	}
	return data, false, nil
}

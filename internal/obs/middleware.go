package obs

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	correlationIDKey contextKey = "correlationId"
	agentIDKey       contextKey = "agentId"
)

// CorrelationMiddleware reads X-Correlation-ID, generating one if the
// caller didn't send it, and binds it to both the response header and the
// request-scoped logger — the same shape as the teacher's
// CorrelationMiddleware in internal/httpapi/middleware.go.
func CorrelationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		ctx := context.WithValue(r.Context(), correlationIDKey, correlationID)
		logger := log.With().Str("correlation_id", correlationID).Logger()
		ctx = logger.WithContext(ctx)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCorrelationID retrieves the correlation id bound by CorrelationMiddleware.
func GetCorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey).(string)
	return id
}

// WithAgentID binds agentID (never a raw token) to ctx and the request
// logger, for use once C7 auth has resolved the caller's identity —
// extending the teacher's CorrelationMiddleware pattern to also carry
// agent_id per spec.md §4.8's metering hook requirement that only
// sanitized identifiers ever reach logs or metrics.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	ctx = context.WithValue(ctx, agentIDKey, agentID)
	logger := log.Ctx(ctx).With().Str("agent_id", agentID).Logger()
	return logger.WithContext(ctx)
}

// GetAgentID retrieves the agent id bound by WithAgentID.
func GetAgentID(ctx context.Context) string {
	id, _ := ctx.Value(agentIDKey).(string)
	return id
}

// Recoverer recovers panics in downstream handlers, logs the stack trace,
// and responds 500 rather than crashing the process — grounded on chi's
// middleware.Recoverer, reimplemented here so the response body is a
// JSON-RPC-shaped error consistent with every other ASAP error path
// rather than chi's plain-text panic page.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Ctx(r.Context()).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("recovered from panic")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"},"id":null}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asap-run/asap/internal/asaperr"
	"github.com/asap-run/asap/internal/metering"
	"github.com/asap-run/asap/internal/syncx"
)

// mountOperatorRoutes wires the operator REST surface spec.md §6 names:
// Prometheus exposition, usage/SLA query endpoints, and delegation
// inspection — all plain REST (not JSON-RPC), grounded on the teacher's
// parseLimit/writeJSON helper pair in internal/httpapi/router.go.
func mountOperatorRoutes(r chi.Router, deps *Deps) {
	r.Get("/asap/metrics", promhttp.Handler().ServeHTTP)

	r.Get("/usage/{agent_id}", usageHandler(deps))
	r.Get("/sla/{agent_id}", slaHandler(deps))

	mountDelegationRoutes(r, deps)
}

// usageResponse is the page shape returned by GET /usage/{agent_id}.
type usageResponse struct {
	Events     []metering.Event `json:"events"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

func usageHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Recorder == nil {
			writeOperatorError(w, http.StatusServiceUnavailable, "usage recording is not configured")
			return
		}

		agentID := chi.URLParam(r, "agent_id")
		start, end, err := parseWindow(r)
		if err != nil {
			writeOperatorError(w, http.StatusBadRequest, err.Error())
			return
		}

		cursor, _ := syncx.DecodeCursor(r.URL.Query().Get("cursor"))
		limit := parseLimit(r.URL.Query().Get("limit"), 100, 1000)

		events, next, err := deps.Recorder.ListEvents(r.Context(), agentID, start, end, cursor, limit)
		if err != nil {
			writeOperatorError(w, http.StatusInternalServerError, "failed to list usage events")
			return
		}

		writeJSON(w, http.StatusOK, usageResponse{Events: events, NextCursor: syncx.EncodeCursor(next)})
	}
}

// slaResponse is the page shape returned by GET /sla/{agent_id}.
type slaResponse struct {
	Metrics []metering.SLAMetric `json:"metrics"`
	Total   int                  `json:"total"`
}

func slaHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Recorder == nil {
			writeOperatorError(w, http.StatusServiceUnavailable, "SLA recording is not configured")
			return
		}

		agentID := chi.URLParam(r, "agent_id")
		start, end, err := parseWindow(r)
		if err != nil {
			writeOperatorError(w, http.StatusBadRequest, err.Error())
			return
		}

		limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)
		offset := parseOffset(r.URL.Query().Get("offset"))

		metrics, err := deps.Recorder.QueryMetrics(r.Context(), agentID, start, end, limit, offset)
		if err != nil {
			writeOperatorError(w, http.StatusInternalServerError, "failed to query SLA metrics")
			return
		}
		total, err := deps.Recorder.CountMetrics(r.Context(), agentID, start, end)
		if err != nil {
			writeOperatorError(w, http.StatusInternalServerError, "failed to count SLA metrics")
			return
		}

		writeJSON(w, http.StatusOK, slaResponse{Metrics: metrics, Total: total})
	}
}

// parseWindow reads ?start=&end= as RFC3339 timestamps, defaulting to the
// trailing 24 hours when absent.
func parseWindow(r *http.Request) (start, end time.Time, err error) {
	end = time.Now().UTC()
	start = end.Add(-24 * time.Hour)

	if s := r.URL.Query().Get("start"); s != "" {
		start, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, asaperr.New(asaperr.CategoryCapability, asaperr.CodeInputValidation, "invalid start timestamp")
		}
	}
	if s := r.URL.Query().Get("end"); s != "" {
		end, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, time.Time{}, asaperr.New(asaperr.CategoryCapability, asaperr.CodeInputValidation, "invalid end timestamp")
		}
	}
	return start, end, nil
}

// parseLimit mirrors the teacher's router.go parseLimit: a query param
// with a default and a hard ceiling.
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseOffset(q string) int {
	n, err := strconv.Atoi(q)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

type operatorError struct {
	Error string `json:"error"`
}

func writeOperatorError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(operatorError{Error: message})
}

// Package api exposes the gate pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/entitlegate/entitlegate/internal/errors"
	"github.com/entitlegate/entitlegate/internal/gate"
	"github.com/entitlegate/entitlegate/internal/logging"
	"github.com/entitlegate/entitlegate/internal/metrics"
	"github.com/entitlegate/entitlegate/internal/tier"
	"github.com/rs/zerolog/log"
)

// Router handles HTTP routing
type Router struct {
	mux     *http.ServeMux
	service *gate.Service
	version string
}

// NewRouter creates a new router instance
func NewRouter(service *gate.Service, version string) http.Handler {
	r := &Router{
		mux:     http.NewServeMux(),
		service: service,
		version: version,
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/api/health", r.handleHealth)
	r.mux.HandleFunc("/api/version", r.handleVersion)
	r.mux.HandleFunc("/api/gate/check", r.handleCheck)
	r.mux.HandleFunc("/api/license/status", r.handleLicenseStatus)
	r.mux.HandleFunc("/api/quota/remaining", r.handleQuotaRemaining)
	r.mux.HandleFunc("/api/escalations", r.handleEscalations)
	r.mux.HandleFunc("/api/escalations/", r.handleEscalationAction)
	r.mux.HandleFunc("/api/providers", r.handleProviders)
	r.mux.HandleFunc("/api/providers/outcome", r.handleProviderOutcome)
	r.mux.Handle("/metrics", metrics.Handler())
}

// ServeHTTP implements http.Handler. Every request gets a request ID,
// honoring an inbound X-Request-ID so callers can correlate.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-ID"))
	w.Header().Set("X-Request-ID", requestID)
	r.mux.ServeHTTP(w, req.WithContext(ctx))
	log.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("request_id", requestID).
		Dur("duration", time.Since(start)).
		Msg("Request handled")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type,omitempty"`
}

// writeGateError maps the error taxonomy onto HTTP statuses.
func writeGateError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrLicenseInvalid):
		status = http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrLicenseUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrAccessDenied):
		status = http.StatusForbidden
	case errors.Is(err, apperrors.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, apperrors.ErrNoProviderAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, apperrors.ErrRiskTimedOut):
		status = http.StatusConflict
	}
	writeJSON(w, status, errorResponse{
		Error: err.Error(),
		Type:  string(apperrors.TypeOf(err)),
	})
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": r.version})
}

type checkRequest struct {
	Token         string   `json:"token"`
	Capability    string   `json:"capability"`
	Amount        int64    `json:"amount,omitempty"`
	Avoid         []string `json:"avoid,omitempty"`
	Irreversible  bool     `json:"irreversible,omitempty"`
	OperationType string   `json:"operation_type,omitempty"`
	EscalationID  string   `json:"escalation_id,omitempty"`
}

func (r *Router) handleCheck(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body checkRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if body.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "token is required"})
		return
	}
	capability, err := tier.ParseCapability(body.Capability)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	decision, err := r.service.Check(req.Context(), gate.Request{
		Token:         body.Token,
		Capability:    capability,
		Amount:        body.Amount,
		Avoid:         body.Avoid,
		Irreversible:  body.Irreversible,
		OperationType: body.OperationType,
		EscalationID:  body.EscalationID,
	})
	if err != nil {
		writeGateError(w, err)
		return
	}

	if !decision.Allowed() {
		// Escalated: the caller must obtain human confirmation and
		// resubmit with the escalation ID.
		writeJSON(w, http.StatusAccepted, decision)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

type licenseStatusRequest struct {
	Token string `json:"token"`
}

// handleLicenseStatus verifies a token in isolation. The token travels
// in the body, not the query string, so it stays out of access logs.
func (r *Router) handleLicenseStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body licenseStatusRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Token == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "token is required"})
		return
	}

	res, err := r.service.LicenseStatus(req.Context(), body.Token)
	if err != nil {
		writeGateError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"license":         res,
		"degraded":        res.Degraded,
		"cached_subjects": r.service.CachedLicenses(),
	})
}

func (r *Router) handleProviders(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": r.service.Providers(),
		"stats":     r.service.ProviderStats(),
	})
}

func (r *Router) handleQuotaRemaining(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	subjectID := req.URL.Query().Get("subject")
	if subjectID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "subject is required"})
		return
	}
	family, err := tier.ParseFamily(req.URL.Query().Get("family"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	tr, err := tier.ParseTier(req.URL.Query().Get("tier"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"family":     family,
		"tier":       tr,
		"remaining":  r.service.Remaining(subjectID, family, tr),
	})
}

func (r *Router) handleEscalations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	store := r.service.Escalations()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": store.Pending(),
		"stats":   store.Stats(),
	})
}

type decideRequest struct {
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
}

// handleEscalationAction serves /api/escalations/{id}/confirm and
// /api/escalations/{id}/reject.
func (r *Router) handleEscalationAction(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(req.URL.Path, "/api/escalations/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	id, action := parts[0], parts[1]

	var body decideRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	if body.DecidedBy == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "decided_by is required"})
		return
	}

	m := metrics.Get()
	switch action {
	case "confirm":
		esc, err := r.service.Escalations().Confirm(id, body.DecidedBy)
		if err != nil {
			if errors.Is(err, apperrors.ErrRiskTimedOut) {
				m.RecordRiskEscalation("timed_out")
				writeGateError(w, err)
				return
			}
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		m.RecordRiskEscalation("confirmed")
		writeJSON(w, http.StatusOK, esc)
	case "reject":
		esc, err := r.service.Escalations().Reject(id, body.DecidedBy, body.Reason)
		if err != nil {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		m.RecordRiskEscalation("rejected")
		writeJSON(w, http.StatusOK, esc)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}

type outcomeRequest struct {
	Provider string `json:"provider"`
	Success  bool   `json:"success"`
}

func (r *Router) handleProviderOutcome(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body outcomeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Provider == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "provider is required"})
		return
	}
	r.service.ReportOutcome(body.Provider, body.Success)
	w.WriteHeader(http.StatusNoContent)
}

/*
handlers.go - HTTP API handlers for the recurring transaction engine

PURPOSE:
  Exposes the recurrence engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to recurring.Engine.

ENDPOINTS:
  Obligations (require X-User-ID):
    POST   /api/obligations                Create obligation
    GET    /api/obligations                List caller's obligations
    GET    /api/obligations/{id}           Get obligation
    PATCH  /api/obligations/{id}           Update descriptive fields
    DELETE /api/obligations/{id}           Delete obligation (entries stay)
    GET    /api/obligations/{id}/entries   Materialized ledger entries
    POST   /api/obligations/{id}/process   Process now (bypasses auto_process)
    PUT    /api/obligations/{id}/pause     ACTIVE -> PAUSED
    PUT    /api/obligations/{id}/resume    PAUSED -> ACTIVE
    PUT    /api/obligations/{id}/cancel    any non-terminal -> CANCELLED

  Admin:
    POST   /api/admin/scan                 Run ScanAndProcess once
    POST   /api/admin/remind               Run ScanAndRemind once
    POST   /api/admin/sweep                Run SweepExpired once
    GET    /api/admin/runs                 Recent scan runs

  Admin runs accept ?as_of=RFC3339 to evaluate at another instant.

IDENTITY:
  Authentication is out of scope for this service. The caller's user ID
  arrives in the X-User-ID header (set by the gateway in front of it).
  Obligations of other users answer 404.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 401: Missing X-User-ID
  - 404: Obligation not found
  - 409: State conflict (not active, invalid transition, concurrent update)
  - 422: Custom rule the engine cannot interpret
  - 503: Store unavailable
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/recurring-engine/generic"
	"github.com/warp/recurring-engine/recurring"
)

// UserHeader carries the authenticated caller's user ID.
const UserHeader = "X-User-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *recurring.Engine
	// Health is optional; /healthz reports ok without it.
	Health Pinger
	// Now is the clock; tests replace it.
	Now func() time.Time

	logger *zap.Logger
}

// NewHandler creates a new handler.
func NewHandler(engine *recurring.Engine, health Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Engine: engine,
		Health: health,
		Now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("api"),
	}
}

// =============================================================================
// OBLIGATION HANDLERS
// =============================================================================

// CreateObligation creates an ACTIVE obligation for the caller.
func (h *Handler) CreateObligation(w http.ResponseWriter, r *http.Request) {
	var req CreateObligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ob, err := h.Engine.Create(r.Context(), req.toNew(userID(r)), h.Now())
	if err != nil {
		h.writeEngineError(w, r, "Failed to create obligation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toObligationDTO(*ob))
}

// ListObligations returns a page of the caller's obligations.
// Query: page (1-based), limit, kind, status, frequency.
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), 1)
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "Invalid page", err)
		return
	}
	limit, err := intParam(q.Get("limit"), 10)
	if err != nil || limit < 1 || limit > 100 {
		writeError(w, http.StatusBadRequest, "Invalid limit (1-100)", err)
		return
	}

	obs, err := h.Engine.List(r.Context(), recurring.Filter{
		UserID:    userID(r),
		Kind:      generic.EntryKind(q.Get("kind")),
		Status:    recurring.Status(q.Get("status")),
		Frequency: recurring.Frequency(q.Get("frequency")),
		Limit:     limit,
		Offset:    (page - 1) * limit,
	})
	if err != nil {
		h.writeEngineError(w, r, "Failed to list obligations", err)
		return
	}

	dtos := make([]ObligationDTO, len(obs))
	for i, ob := range obs {
		dtos[i] = toObligationDTO(ob)
	}
	writeJSON(w, http.StatusOK, ObligationListResponse{Obligations: dtos, Page: page, Limit: limit})
}

func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	ob, err := h.Engine.Get(r.Context(), userID(r), obligationID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*ob))
}

// UpdateObligation patches descriptive fields. Schedule fields are not
// accepted; unknown fields are rejected.
func (h *Handler) UpdateObligation(w http.ResponseWriter, r *http.Request) {
	var patch recurring.DetailsPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ob, err := h.Engine.UpdateDetails(r.Context(), userID(r), obligationID(r), patch, h.Now())
	if err != nil {
		h.writeEngineError(w, r, "Failed to update obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toObligationDTO(*ob))
}

func (h *Handler) DeleteObligation(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.Delete(r.Context(), userID(r), obligationID(r)); err != nil {
		h.writeEngineError(w, r, "Failed to delete obligation", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEntries returns the entries materialized from the obligation, newest first.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Entries(r.Context(), userID(r), obligationID(r))
	if err != nil {
		h.writeEngineError(w, r, "Failed to get entries", err)
		return
	}
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ProcessObligation materializes the current occurrence now.
func (h *Handler) ProcessObligation(w http.ResponseWriter, r *http.Request) {
	res, err := h.Engine.ProcessNow(r.Context(), userID(r), obligationID(r), h.Now())
	if err != nil {
		h.writeEngineError(w, r, "Failed to process obligation", err)
		return
	}
	writeJSON(w, http.StatusCreated, ProcessResultDTO{
		Entry:       toEntryDTO(res.Entry),
		Obligation:  toObligationDTO(res.Obligation),
		Completed:   res.Completed,
		NotifyError: errString(res.NotifyErr),
	})
}

type transitionFunc func(ctx context.Context, owner generic.UserID, id recurring.ObligationID, now time.Time) (*recurring.Obligation, error)

func (h *Handler) transition(fn transitionFunc, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ob, err := fn(r.Context(), userID(r), obligationID(r), h.Now())
		if err != nil {
			h.writeEngineError(w, r, "Failed to "+action+" obligation", err)
			return
		}
		writeJSON(w, http.StatusOK, toObligationDTO(*ob))
	}
}

func (h *Handler) PauseObligation(w http.ResponseWriter, r *http.Request) {
	h.transition(h.Engine.Pause, "pause")(w, r)
}

func (h *Handler) ResumeObligation(w http.ResponseWriter, r *http.Request) {
	h.transition(h.Engine.Resume, "resume")(w, r)
}

func (h *Handler) CancelObligation(w http.ResponseWriter, r *http.Request) {
	h.transition(h.Engine.Cancel, "cancel")(w, r)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerScan runs one due-processing scan.
func (h *Handler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (RFC3339)", err)
		return
	}
	report, err := h.Engine.ScanAndProcess(r.Context(), asOf)
	if err != nil {
		h.writeEngineError(w, r, "Scan failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toScanReportDTO(report))
}

// TriggerRemind runs one reminder scan.
func (h *Handler) TriggerRemind(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (RFC3339)", err)
		return
	}
	report, err := h.Engine.ScanAndRemind(r.Context(), asOf)
	if err != nil {
		h.writeEngineError(w, r, "Reminder scan failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toReminderReportDTO(report))
}

// TriggerSweep completes obligations whose end date has passed.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	asOf, err := h.asOf(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (RFC3339)", err)
		return
	}
	n, err := h.Engine.SweepExpired(r.Context(), asOf)
	if err != nil {
		h.writeEngineError(w, r, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResultDTO{AsOf: asOf, Completed: n})
}

func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 20)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	runs, err := h.Engine.Runs(r.Context(), limit)
	if err != nil {
		h.writeEngineError(w, r, "Failed to list runs", err)
		return
	}
	dtos := make([]ScanRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toScanRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Healthz reports whether the store is reachable.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// RequireUser rejects requests without an X-User-ID header.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(UserHeader) == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+UserHeader+" header", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func userID(r *http.Request) generic.UserID {
	return generic.UserID(r.Header.Get(UserHeader))
}

func obligationID(r *http.Request) recurring.ObligationID {
	return recurring.ObligationID(chi.URLParam(r, "id"))
}

func (h *Handler) asOf(r *http.Request) (time.Time, error) {
	s := r.URL.Query().Get("as_of")
	if s == "" {
		return h.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// errorStatus maps engine errors to an HTTP status and a machine-readable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case generic.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, generic.ErrUnsupportedSchedule):
		return http.StatusUnprocessableEntity, "unsupported_schedule"
	case errors.Is(err, generic.ErrNotActive):
		return http.StatusConflict, "not_active"
	case errors.Is(err, generic.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, generic.ErrConcurrentModification):
		return http.StatusConflict, "concurrent_modification"
	case errors.Is(err, generic.ErrDuplicateIdempotencyKey):
		return http.StatusConflict, "already_processed"
	case errors.Is(err, generic.ErrManualConfirmationRequired):
		return http.StatusConflict, "manual_confirmation_required"
	case errors.Is(err, generic.ErrNotDue):
		return http.StatusConflict, "not_due"
	case generic.IsSystemic(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (h *Handler) writeEngineError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status, code := errorStatus(err)
	fields := []zap.Field{
		zap.String("path", r.URL.Path),
		zap.String("request_id", requestID(r)),
		zap.Error(err),
	}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error(message, fields...)
	case generic.IsClientError(err), generic.IsNotFound(err):
		h.logger.Debug(message, fields...)
	default:
		h.logger.Warn(message, fields...)
	}
	if generic.IsRetryable(err) {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// Package httpapi exposes the orchestrator over JSON/HTTP with SSE and
// WebSocket progress streams.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Kocoro-lab/Shannon/go/research/internal/models"
	"github.com/Kocoro-lab/Shannon/go/research/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/research/internal/workflows"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Service is the orchestrator surface the API drives.
type Service interface {
	Submit(ctx context.Context, req models.ResearchRequest) (string, error)
	GetStatus(ctx context.Context, id string) (*models.WorkflowRun, error)
	Progress(ctx context.Context, id string) (*workflows.Progress, error)
	Report(ctx context.Context, id string) (*models.AggregatedReport, error)
	Cancel(ctx context.Context, id string) error
	SupplyClarification(ctx context.Context, id, stageID, answer string) error
}

// Handler serves the workflow API.
type Handler struct {
	svc    Service
	events *streaming.Manager
	auth   *Authenticator
	logger *zap.Logger
}

// NewHandler builds a handler; auth may be nil to serve unauthenticated.
func NewHandler(svc Service, events *streaming.Manager, auth *Authenticator, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, events: events, auth: auth, logger: logger}
}

// Router returns the mux with every route and middleware attached.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.requestLogging)

	api := r.PathPrefix("/v1").Subrouter()
	if h.auth != nil {
		api.Use(h.auth.Middleware)
	}
	api.HandleFunc("/workflows", h.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}", h.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/progress", h.handleProgress).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/report", h.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/cancel", h.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/clarification", h.handleClarification).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/events", h.handleSSE).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/ws", h.handleWS).Methods(http.MethodGet)
	return r
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req, err := body.toModel()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/workflows/"+id)
	writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id, "status": string(models.StatusPending)})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(run))
}

func (h *Handler) handleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Progress(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := h.svc.Report(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id, "status": "cancel_requested"})
}

func (h *Handler) handleClarification(w http.ResponseWriter, r *http.Request) {
	var body clarificationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if body.StageID == "" || body.Answer == "" {
		writeError(w, http.StatusBadRequest, "stage_id and answer are required")
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.svc.SupplyClarification(r.Context(), id, body.StageID, body.Answer); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"workflow_id": id, "status": "resumed"})
}

// statusFor maps orchestrator errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, workflows.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPolicyDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrWorkflowNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNotAwaiting), errors.Is(err, workflows.ErrReportNotReady):
		return http.StatusConflict
	case errors.Is(err, workflows.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", w.Header().Get("X-Request-ID")),
			zap.Error(err),
		)
		msg = "internal error"
	}
	writeError(w, code, msg)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController and the websocket upgrader reach the
// underlying connection.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (h *Handler) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": sanitizeErr(msg)})
}

// sanitizeErr trims error messages for client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 300 {
		return string(runes[:300])
	}
	return s
}

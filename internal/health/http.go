package health

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

// HTTPHandler serves the health endpoints.
type HTTPHandler struct {
	manager *Manager
	logger  *zap.Logger
}

func NewHTTPHandler(manager *Manager, logger *zap.Logger) *HTTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPHandler{manager: manager, logger: logger}
}

// RegisterRoutes mounts /health, /health/ready and /health/live.
func (h *HTTPHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /health/ready", h.handleReadiness)
	mux.HandleFunc("GET /health/live", h.handleLiveness)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())
	code := http.StatusOK
	if report.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	h.write(w, code, report)
}

func (h *HTTPHandler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Check(r.Context())
	code := http.StatusOK
	status := "ready"
	if !report.Ready {
		code = http.StatusServiceUnavailable
		status = "not ready"
	}
	h.write(w, code, map[string]any{"status": status, "ready": report.Ready, "timestamp": report.Timestamp.Unix()})
}

// handleLiveness only proves the process can serve HTTP.
func (h *HTTPHandler) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.write(w, http.StatusOK, map[string]any{"status": "alive", "live": true})
}

func (h *HTTPHandler) write(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

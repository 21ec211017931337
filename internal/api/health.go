package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/shsh-chat/internal/identity"
	"github.com/ashureev/shsh-chat/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{repo: repo, logger: logger}
}

// Health reports whether the API and its database are reachable.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok"}
	status, code := "healthy", http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		h.logger.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status, code = "degraded", http.StatusServiceUnavailable
	}

	JSON(w, code, map[string]interface{}{"status": status, "checks": checks})
}

// GetConfig returns the server settings a client needs.
func (h *Handler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]interface{}{"engine": "echo"}
	if h.cfg != nil {
		resp = map[string]interface{}{
			"engine":              h.cfg.EngineKind(),
			"eventBufferSize":     h.cfg.Agent.EventBufferSize,
			"heartbeatIntervalMs": h.cfg.Agent.HeartbeatInterval.Milliseconds(),
			"rateLimit": map[string]interface{}{
				"requestsPerSecond": h.cfg.RateLimit.RequestsPerSecond,
				"burst":             h.cfg.RateLimit.Burst,
			},
		}
	}
	JSON(w, http.StatusOK, resp)
}

// IssueSession returns the caller's cookie session, minting one if needed.
func (h *Handler) IssueSession(w http.ResponseWriter, r *http.Request) {
	secure := h.cfg != nil && !h.cfg.IsDevelopment()
	sessionID, err := identity.IssueSession(w, r, secure)
	if err != nil {
		h.logger.Error("Failed to issue session", "error", err)
		Error(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

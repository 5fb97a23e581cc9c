package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/render"
	"gorm.io/gorm"

	"seatgate/internal/store"
	"seatgate/internal/vault"
)

// HealthHandler reports readiness of the two hard dependencies: the
// store and the key-management backend.
type HealthHandler struct {
	db     *gorm.DB
	vault  *vault.Service
	logger *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *gorm.DB, vaultSvc *vault.Service, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		db:     db,
		vault:  vaultSvc,
		logger: logger.With(slog.String("handler", "health")),
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthCheck handles GET /api/healthz. The vault check round-trips a
// canary through encrypt/decrypt so key-management permission problems
// surface here rather than at the first credential read.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	checks := map[string]string{
		"database": "ok",
		"vault":    "ok",
	}
	healthy := true

	if err := store.Ping(ctx, h.db); err != nil {
		h.logger.ErrorContext(ctx, "database health check failed",
			slog.String("error", err.Error()))
		checks["database"] = err.Error()
		healthy = false
	}

	if err := h.vault.TestConnection(ctx); err != nil {
		h.logger.ErrorContext(ctx, "vault health check failed",
			slog.String("error", err.Error()))
		checks["vault"] = err.Error()
		healthy = false
	}

	status := "ok"
	if !healthy {
		status = "degraded"
		render.Status(r, http.StatusServiceUnavailable)
	}
	render.JSON(w, r, &healthResponse{Status: status, Checks: checks})
}

// LivenessCheck handles GET /api/healthz/live. Process-up only.
func (h *HealthHandler) LivenessCheck(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]string{"status": "ok"})
}

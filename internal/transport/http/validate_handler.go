package http

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apierrors "seatgate/internal/errors"
	"seatgate/internal/infrastructure"
	"seatgate/internal/license"
	"seatgate/internal/observability"
	"seatgate/internal/store"
)

// ValidateHandler serves license validation and per-key stats.
type ValidateHandler struct {
	service *license.Service
	logger  *slog.Logger
}

func NewValidateHandler(service *license.Service, logger *slog.Logger) *ValidateHandler {
	return &ValidateHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "validate")),
	}
}

// Routes returns the validation routes. Rate limiting and admin auth
// are applied by the caller when mounting.
func (h *ValidateHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Validate)
	return r
}

type validateRequest struct {
	license.Request
}

// Bind implements render.Binder. Field presence is checked by the
// validation pipeline itself so missing fields produce the documented
// INVALID_REQUEST body rather than a bind error.
func (v *validateRequest) Bind(r *http.Request) error {
	return nil
}

type validateResponse struct {
	Valid            bool       `json:"valid"`
	Error            string     `json:"error,omitempty"`
	Tier             string     `json:"tier,omitempty"`
	Features         []string   `json:"features,omitempty"`
	ExpiresAt        *time.Time `json:"expiresAt,omitempty"`
	MaxInstances     int        `json:"maxInstances,omitempty"`
	CurrentInstances int        `json:"currentInstances,omitempty"`
	Warnings         []string   `json:"warnings,omitempty"`
}

// Validate handles POST /api/validate.
func (h *ValidateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("validate-handler")
	ctx, span := tracer.Start(ctx, "validate_handler.validate",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/validate"),
		),
	)
	defer span.End()

	req := &validateRequest{}
	if err := render.Bind(r, req); err != nil {
		observability.RecordValidation("malformed")
		render.Render(w, r, apierrors.ErrInvalidRequest)
		return
	}

	ip := clientAddr(r)
	result, err := h.service.Validate(ctx, &req.Request, ip, hostnameHint(r))
	if err != nil {
		span.RecordError(err)
		observability.RecordValidation("error")
		h.logger.ErrorContext(ctx, "validation failed on infrastructure",
			slog.String("trace_id", infrastructure.GetTraceID(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrInternalServer)
		return
	}

	resp := &validateResponse{
		Valid:            result.Valid,
		Error:            result.ErrorCode,
		Tier:             result.Tier,
		Features:         result.Features,
		ExpiresAt:        result.ExpiresAt,
		MaxInstances:     result.MaxInstances,
		CurrentInstances: result.CurrentInstances,
		Warnings:         result.Warnings,
	}

	if !result.Valid {
		observability.RecordValidation(result.ErrorCode)
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, resp)
		return
	}

	observability.RecordValidation("valid")
	span.SetAttributes(attribute.Bool("license.valid", true))
	render.JSON(w, r, resp)
}

type statsResponse struct {
	License     statsLicense    `json:"license"`
	Instances   int             `json:"instances"`
	Validations statsValidation `json:"validations"`
}

type statsLicense struct {
	Key          string     `json:"key"`
	Tier         string     `json:"tier"`
	Status       string     `json:"status"`
	MaxInstances int        `json:"maxInstances"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

type statsValidation struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
}

// Stats handles GET /api/stats/{key}. Mounted behind admin auth.
func (h *ValidateHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	stats, err := h.service.Stats(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		render.Render(w, r, apierrors.ErrLicenseNotFound)
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "stats lookup failed",
			slog.String("trace_id", infrastructure.GetTraceID(ctx)),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrInternalServer)
		return
	}

	render.JSON(w, r, &statsResponse{
		License: statsLicense{
			Key:          stats.License.Key,
			Tier:         stats.License.Tier,
			Status:       stats.License.Status,
			MaxInstances: stats.License.MaxInstances,
			ExpiresAt:    stats.License.ExpiresAt,
		},
		Instances: stats.CurrentInstances,
		Validations: statsValidation{
			Total:      stats.Total,
			Successful: stats.Successful,
			Failed:     stats.Failed,
		},
	})
}

// clientAddr strips the port from the request's remote address.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// hostnameHint is best effort; clients may send their hostname for the
// instance registry.
func hostnameHint(r *http.Request) string {
	return r.Header.Get("X-Client-Hostname")
}

package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "seatgate/internal/errors"
	"seatgate/internal/store"
	"seatgate/internal/vault"
)

// CredentialsHandler manages stored integration credentials. Mounted
// behind admin auth; plaintext goes in on PUT and never comes back out
// over HTTP.
type CredentialsHandler struct {
	credentials *vault.Credentials
	logger      *slog.Logger
}

func NewCredentialsHandler(credentials *vault.Credentials, logger *slog.Logger) *CredentialsHandler {
	return &CredentialsHandler{
		credentials: credentials,
		logger:      logger.With(slog.String("handler", "credentials")),
	}
}

func (h *CredentialsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Put("/{customerID}/{integrationType}", h.Put)
	r.Get("/{customerID}/{integrationType}", h.Check)
	return r
}

type credentialRequest struct {
	Secret string `json:"secret"`
}

func (c *credentialRequest) Bind(r *http.Request) error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	return nil
}

// Put handles PUT /api/credentials/{customerID}/{integrationType}.
func (h *CredentialsHandler) Put(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID := chi.URLParam(r, "customerID")
	integrationType := chi.URLParam(r, "integrationType")

	req := &credentialRequest{}
	if err := render.Bind(r, req); err != nil {
		render.Render(w, r, apierrors.ErrInvalidRequest)
		return
	}

	if err := h.credentials.Store(ctx, customerID, integrationType, []byte(req.Secret)); err != nil {
		h.logger.ErrorContext(ctx, "failed to store credential",
			slog.String("customer_id", customerID),
			slog.String("integration_type", integrationType),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrInternalServer)
		return
	}

	h.logger.InfoContext(ctx, "credential stored",
		slog.String("customer_id", customerID),
		slog.String("integration_type", integrationType))
	render.JSON(w, r, map[string]bool{"stored": true})
}

// Check handles GET /api/credentials/{customerID}/{integrationType}.
// Decrypts the stored value to prove it is intact but reports only
// whether it exists, never the plaintext.
func (h *CredentialsHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customerID := chi.URLParam(r, "customerID")
	integrationType := chi.URLParam(r, "integrationType")

	_, err := h.credentials.Fetch(ctx, customerID, integrationType)
	if errors.Is(err, store.ErrNotFound) {
		render.Render(w, r, apierrors.NotFoundError("credential"))
		return
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to decrypt credential",
			slog.String("customer_id", customerID),
			slog.String("integration_type", integrationType),
			slog.String("error", err.Error()))
		render.Render(w, r, apierrors.ErrInternalServer)
		return
	}

	render.JSON(w, r, map[string]bool{"configured": true})
}

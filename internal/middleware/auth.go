package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"golang.org/x/crypto/bcrypt"

	apierrors "seatgate/internal/errors"
	"seatgate/internal/token"
)

type claimsKey struct{}

// ClaimsFromContext returns the verified connection-token claims stored
// by TokenAuth. Identity always travels with the request context, never
// through shared server state.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*token.Claims)
	return claims, ok
}

// TokenAuth verifies the Bearer connection token and attaches its
// claims to the request context. Requests without a valid token get 401.
func TokenAuth(signer *token.Signer, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				render.Render(w, r, apierrors.ErrUnauthorized)
				return
			}

			claims, err := signer.Verify(raw)
			if err != nil {
				logger.WarnContext(r.Context(), "connection token rejected",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr))
				render.Render(w, r, apierrors.ErrInvalidToken)
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	// WebSocket clients cannot set headers from browsers, so the token
	// may arrive as a query parameter instead.
	return r.URL.Query().Get("token")
}

// AdminAuth gates operational endpoints behind the X-Admin-Secret
// shared secret, compared against a bcrypt hash so the plaintext never
// lives in configuration.
func AdminAuth(secretHash string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			supplied := r.Header.Get("X-Admin-Secret")
			if supplied == "" || secretHash == "" {
				render.Render(w, r, apierrors.ErrUnauthorized)
				return
			}

			if err := bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(supplied)); err != nil {
				logger.WarnContext(r.Context(), "admin secret rejected",
					slog.String("remote_addr", r.RemoteAddr))
				render.Render(w, r, apierrors.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

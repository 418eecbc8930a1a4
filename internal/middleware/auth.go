package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"repserver/internal/auth"
	apperrors "repserver/internal/errors"
)

type identityKey struct{}

// TokenAuth gates a route group on a Bearer token. On success the resolved
// identity (token, license, counter) is injected into the request context.
func TokenAuth(authenticator *auth.Authenticator, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				render.Render(w, r, apperrors.ErrAuthRequired)
				return
			}

			identity, err := authenticator.Lookup(r.Context(), raw)
			if err != nil {
				var apiErr *apperrors.APIError
				if errors.As(err, &apiErr) {
					render.Render(w, r, apiErr)
					return
				}
				logger.ErrorContext(r.Context(), "token lookup failed",
					slog.String("error", err.Error()))
				render.Render(w, r, apperrors.ErrServerError)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey{}, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFrom returns the authenticated identity stored by TokenAuth.
func IdentityFrom(ctx context.Context) (*auth.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*auth.Identity)
	return identity, ok
}

// bearerToken extracts the credential from the Authorization header. The
// scheme comparison is case-insensitive per RFC 7235.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fifthgg/matchmaking/internal/auth/jwt"
	httperrors "github.com/fifthgg/matchmaking/pkg/http/errors"
)

// TokenValidator turns a bearer token into trusted claims.
type TokenValidator interface {
	ValidateAccessToken(token string) (*jwt.Claims, error)
}

type claimsKey struct{}

// BearerToken extracts the access token from the Authorization header, falling
// back to the token query parameter browsers use for WebSocket upgrades.
func BearerToken(r *http.Request) string {
	if parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return r.URL.Query().Get("token")
}

// Authenticate validates the bearer token and returns its claims, replying
// 401 itself when it fails.
func Authenticate(w http.ResponseWriter, r *http.Request, tokens TokenValidator, logger zerolog.Logger) (*jwt.Claims, bool) {
	token := BearerToken(r)
	if token == "" {
		httperrors.RespondUnauthorized(w, httperrors.ErrCodeAuthenticationRequired, "Authentication required")
		return nil, false
	}
	claims, err := tokens.ValidateAccessToken(token)
	if err != nil {
		logger.Warn().Err(err).Msg("token validation failed")
		code := httperrors.ErrCodeInvalidToken
		if errors.Is(err, jwt.ErrExpiredToken) {
			code = httperrors.ErrCodeTokenExpired
		}
		httperrors.RespondUnauthorized(w, code, "Invalid or expired token")
		return nil, false
	}
	return claims, true
}

// RequireAuth rejects requests without a valid token and injects the claims into the request context.
func RequireAuth(tokens TokenValidator, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := Authenticate(w, r, tokens, logger)
			if !ok {
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *jwt.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFromContext returns the claims injected by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*jwt.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*jwt.Claims)
	return claims, ok && claims != nil
}

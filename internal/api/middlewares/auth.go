package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

type ctxKey int

const userKey ctxKey = iota

// UserResolver maps a verified identity to the local user.
type UserResolver interface {
	EnsureUser(ctx context.Context, id models.Identity) (*models.User, error)
}

// identityClaims are the claims the identity provider puts into the bearer token.
type identityClaims struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

type AuthConfig struct {
	Secret string
	// Issuer is checked against the iss claim when set.
	Issuer string
	// RequireVerified rejects tokens whose email_verified claim is false.
	RequireVerified bool
}

// Auth validates the bearer token, resolves the local user and stores it in the
// request context. The token's subject is the stable identity.
func Auth(cfg AuthConfig, users UserResolver, log *zap.Logger) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)
	key := []byte(cfg.Secret)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or invalid token")
				return
			}

			claims := &identityClaims{}
			token, err := parser.ParseWithClaims(strings.TrimPrefix(auth, "Bearer "), claims, func(*jwt.Token) (any, error) {
				return key, nil
			})
			if err != nil || !token.Valid {
				unauthorized(w, "invalid token")
				return
			}
			if claims.Subject == "" {
				unauthorized(w, "invalid token claims")
				return
			}
			if cfg.RequireVerified && !claims.EmailVerified {
				unauthorized(w, "email not verified")
				return
			}

			user, err := users.EnsureUser(r.Context(), models.Identity{
				Subject:       claims.Subject,
				Email:         claims.Email,
				DisplayName:   claims.Name,
				EmailVerified: claims.EmailVerified,
			})
			if err != nil {
				var authErr *core.AuthError
				if errors.As(err, &authErr) {
					unauthorized(w, authErr.Reason)
					return
				}
				log.Error("resolving user failed", zap.String("subject", claims.Subject), zap.Error(err))
				writeJSONError(w, http.StatusInternalServerError, "could not resolve user")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func WithUser(ctx context.Context, u *models.User) context.Context {
	return context.WithValue(ctx, userKey, u)
}

// UserFromContext returns the user set by Auth.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(userKey).(*models.User)
	return u, ok && u != nil
}

func unauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSONError(w, http.StatusUnauthorized, reason)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

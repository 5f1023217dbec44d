package handlers

import (
	"net/http"

	"go.uber.org/zap"
)

// AuthHandler exposes the session endpoints clients expect from a sign-in flow.
// Tokens are issued and revoked by the identity provider, so these only report on
// the bearer credential the middleware already accepted.
type AuthHandler struct {
	log *zap.Logger
}

func NewAuthHandler(log *zap.Logger) *AuthHandler {
	return &AuthHandler{log: log}
}

// Me returns the local user behind the token, without profile statistics.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Logout records the sign-out. The client discards its token.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	h.log.Info("user logged out", zap.Int64("user_id", user.ID))
	writeJSON(w, http.StatusOK, map[string]string{"message": "Logged out successfully"})
}

// Refresh confirms that a freshly issued token is accepted.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Token is valid", "user_id": user.ID})
}

package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/services"
)

type UpdateProfileRequest struct {
	DisplayName *string `json:"display_name"`
}

type UserHandler struct {
	accounts *services.AccountService
	log      *zap.Logger
}

func NewUserHandler(accounts *services.AccountService, log *zap.Logger) *UserHandler {
	return &UserHandler{accounts: accounts, log: log}
}

func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	p, err := h.accounts.Profile(r.Context(), user.ID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateMe serves PATCH /users/me.
func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req UpdateProfileRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, h.log, core.NewValidationError("body", "invalid request"))
		return
	}
	updated, err := h.accounts.UpdateProfile(r.Context(), user.ID, req.DisplayName)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteMe removes the account. Cleanup problems after the user row is gone are
// reported as warnings with a 200.
func (h *UserHandler) DeleteMe(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}
	res, err := h.accounts.DeleteAccount(r.Context(), user.ID)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

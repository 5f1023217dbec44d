package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	middleware "github.com/markdave123-py/Medico/internal/api/middlewares"
	"github.com/markdave123-py/Medico/internal/core"
	"github.com/markdave123-py/Medico/internal/models"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto status codes. Internal failures are not
// echoed back to the client.
func writeError(w http.ResponseWriter, log *zap.Logger, err error) {
	var (
		validation *core.ValidationError
		auth       *core.AuthError
		notFound   *core.NotFoundError
		external   *core.ExternalServiceError
		tooLarge   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorBody{validation.Error()})
	case errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{"request body too large"})
	case errors.As(err, &auth):
		writeJSON(w, http.StatusUnauthorized, errorBody{auth.Reason})
	case errors.As(err, &notFound):
		writeJSON(w, http.StatusNotFound, errorBody{notFound.Error()})
	case errors.As(err, &external):
		log.Error("external service failure", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorBody{external.Service + " unavailable"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorBody{"request timed out"})
	default:
		log.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{"internal error"})
	}
}

func currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	u, ok := middleware.UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{"unauthorized"})
	}
	return u, ok
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, core.NewValidationError(name, "must be a positive integer")
	}
	return id, nil
}

// queryInt reads an integer query parameter, falling back to def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, core.NewValidationError(name, "must be an integer")
	}
	return n, nil
}

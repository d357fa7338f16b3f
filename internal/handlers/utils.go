package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/quillblog/apiserver/internal/auth"
	"github.com/quillblog/apiserver/internal/services"
)

type contextKey string

const contextIdentityKey contextKey = "identity"

const uploadFailedMessage = "failed to upload cover"

// ErrorResponse is a simple error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

func withIdentity(ctx context.Context, identity auth.Identity) context.Context {
	return context.WithValue(ctx, contextIdentityKey, identity)
}

func identityFromContext(ctx context.Context) (auth.Identity, bool) {
	identity, ok := ctx.Value(contextIdentityKey).(auth.Identity)
	if !ok || identity.UserID < 1 {
		return auth.Identity{}, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}

// writeServiceError translates a service error into a status code. Unknown
// errors are reported with fallback and upload errors with a fixed message;
// the service logs the backend detail for both.
func writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch status := statusFor(err); status {
	case http.StatusInternalServerError:
		writeError(w, status, fallback)
	case http.StatusBadGateway:
		writeError(w, status, uploadFailedMessage)
	default:
		writeError(w, status, err.Error())
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrUpload):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseIDParam(r *http.Request, name string) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id < 1 {
		return 0, errors.New("invalid " + name)
	}
	return id, nil
}

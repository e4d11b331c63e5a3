package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"couple-sync/internal/services"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, message string, statusCode int) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

var errUnknownFolder = errors.New("unknown image folder")

var statusBySentinel = []struct {
	err    error
	status int
}{
	{services.ErrInvalidCredentials, http.StatusUnauthorized},
	{services.ErrTokenRevoked, http.StatusUnauthorized},
	{services.ErrForbidden, http.StatusForbidden},
	{services.ErrNotFound, http.StatusNotFound},
	{services.ErrNoCouple, http.StatusNotFound},
	{services.ErrEmailTaken, http.StatusConflict},
	{services.ErrAlreadyPaired, http.StatusConflict},
	{services.ErrSelfPair, http.StatusConflict},
	{services.ErrInvalidCode, http.StatusBadRequest},
	{errUnknownFolder, http.StatusBadRequest},
	{services.ErrWeakPassword, http.StatusBadRequest},
	{services.ErrUnsupportedImage, http.StatusUnsupportedMediaType},
	{services.ErrImageTooLarge, http.StatusRequestEntityTooLarge},
}

// respondServiceError maps a service error to its status code. Errors without
// a mapping are reported as internal without exposing their text.
func respondServiceError(w http.ResponseWriter, err error) {
	for _, s := range statusBySentinel {
		if errors.Is(err, s.err) {
			respondError(w, s.err.Error(), s.status)
			return
		}
	}
	respondError(w, "Internal server error", http.StatusInternalServerError)
}

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"couple-sync/internal/middleware"
	"couple-sync/internal/services"

	"github.com/rs/zerolog/log"
)

// PushTokenStore records the device token partner notifications go to
type PushTokenStore interface {
	UpdatePushToken(ctx context.Context, id, pushToken string) error
}

// AuthHandler handles account endpoints
type AuthHandler struct {
	auth   *services.AuthService
	tokens PushTokenStore
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(auth *services.AuthService, tokens PushTokenStore) *AuthHandler {
	return &AuthHandler{auth: auth, tokens: tokens}
}

// SignUpRequest is the body of POST /api/v1/auth/signup
type SignUpRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

// SignInRequest is the body of POST /api/v1/auth/signin
type SignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PushTokenRequest is the body of PUT /api/v1/me/push-token
type PushTokenRequest struct {
	PushToken string `json:"push_token"`
}

// SignUp handles POST /api/v1/auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.DisplayName) == "" {
		respondError(w, "display_name is required", http.StatusBadRequest)
		return
	}

	p, err := h.auth.SignUp(r.Context(), req.Email, req.Password, strings.TrimSpace(req.DisplayName))
	if err != nil {
		log.Warn().Err(err).Msg("sign up failed")
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

// SignIn handles POST /api/v1/auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	p, err := h.auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// SignOut handles POST /api/v1/auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.BearerToken(r)
	if !ok {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if err := h.auth.SignOut(r.Context(), token); err != nil {
		log.Error().Err(err).Msg("sign out failed")
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdatePushToken handles PUT /api/v1/me/push-token
func (h *AuthHandler) UpdatePushToken(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req PushTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.tokens.UpdatePushToken(r.Context(), userID, req.PushToken); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("failed to update push token")
		respondError(w, "Failed to update push token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

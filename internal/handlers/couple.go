package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"couple-sync/internal/middleware"
	"couple-sync/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// CoupleHandler handles pairing endpoints
type CoupleHandler struct {
	couples *services.CoupleService
}

// NewCoupleHandler creates a new couple handler
func NewCoupleHandler(couples *services.CoupleService) *CoupleHandler {
	return &CoupleHandler{couples: couples}
}

// PairRequest is the body of POST /api/v1/couples
type PairRequest struct {
	PartnerCode string `json:"partner_code"`
}

// Pair handles POST /api/v1/couples
func (h *CoupleHandler) Pair(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req PairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	couple, err := h.couples.Pair(r.Context(), userID, strings.ToUpper(strings.TrimSpace(req.PartnerCode)))
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("pairing failed")
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, couple)
}

// GetMine handles GET /api/v1/couples/me
func (h *CoupleHandler) GetMine(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	couple, err := h.couples.Get(r.Context(), userID)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, couple)
}

// Unpair handles DELETE /api/v1/couples/{couple_id}
func (h *CoupleHandler) Unpair(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	coupleID := chi.URLParam(r, "couple_id")
	if err := h.couples.Unpair(r.Context(), coupleID, userID); err != nil {
		log.Warn().Err(err).Str("couple_id", coupleID).Msg("unpair failed")
		respondServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

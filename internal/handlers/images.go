package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"couple-sync/internal/middleware"
	"couple-sync/internal/services"

	"github.com/rs/zerolog/log"
)

// Image folders a client may upload into. Couple folders are keyed by the
// caller's couple, profile pictures by the caller.
var imageFolders = map[string]bool{
	services.MessagesCollection: true,
	services.PhotosCollection:   true,
	services.UsersCollection:    false,
}

// ImageHandler handles image uploads
type ImageHandler struct {
	blobs          *services.BlobStore
	couples        *services.CoupleService
	maxUploadBytes int64
}

// NewImageHandler creates a new image handler
func NewImageHandler(blobs *services.BlobStore, couples *services.CoupleService, maxUploadBytes int64) *ImageHandler {
	return &ImageHandler{blobs: blobs, couples: couples, maxUploadBytes: maxUploadBytes}
}

// ImageResponse is returned after a direct upload
type ImageResponse struct {
	URL string `json:"url"`
}

// PresignRequest is the body of POST /api/v1/images/presign
type PresignRequest struct {
	Folder      string `json:"folder"`
	ContentType string `json:"content_type"`
}

// folderFor resolves the storage folder of an upload into folder by userID
func (h *ImageHandler) folderFor(r *http.Request, userID, folder string) (string, error) {
	perCouple, ok := imageFolders[folder]
	if !ok {
		return "", errUnknownFolder
	}
	if !perCouple {
		return folder + "/" + userID, nil
	}
	couple, err := h.couples.Get(r.Context(), userID)
	if err != nil {
		return "", err
	}
	return folder + "/" + couple.ID, nil
}

// Upload handles POST /api/v1/images (multipart, fields "file" and "folder")
func (h *ImageHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, "Invalid form data", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		respondError(w, "file is required (field: file)", http.StatusBadRequest)
		return
	}
	defer file.Close()

	folder, err := h.folderFor(r, userID, r.FormValue("folder"))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(w, "Failed to read file", http.StatusBadRequest)
		return
	}

	url, err := h.blobs.UploadImage(r.Context(), data, folder)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Str("folder", folder).Msg("image upload failed")
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, ImageResponse{URL: url})
}

// Presign handles POST /api/v1/images/presign
func (h *ImageHandler) Presign(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		respondError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req PresignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	folder, err := h.folderFor(r, userID, req.Folder)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	target, err := h.blobs.PresignUpload(r.Context(), folder, req.ContentType)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("presign failed")
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, target)
}

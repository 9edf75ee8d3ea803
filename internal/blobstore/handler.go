package blobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/secure-relay/internal/models"
)

// multipartOverhead is the body allowance on top of the file itself
const multipartOverhead = 1 << 20

// Handler serves encrypted attachment upload and download
type Handler struct {
	store   Store
	maxSize int64
	logger  *slog.Logger
}

func NewHandler(store Store, maxSize int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, maxSize: maxSize, logger: logger}
}

// Routes mounts POST /files and GET /files/{id} on r
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/files", h.Upload).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}", h.Download).Methods(http.MethodGet)
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxSize+multipartOverhead)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.tooLarge(w)
			return
		}
		sendError(w, http.StatusBadRequest, "failed to parse form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		sendError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	if header.Size > h.maxSize {
		h.tooLarge(w)
		return
	}

	id := uuid.NewString()
	if err := h.store.Put(r.Context(), id, file, header.Size); err != nil {
		h.logger.Error("failed to store attachment", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "failed to upload file")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(models.APIResponse{
		Status: "success",
		Data: models.FileUploadResponse{
			ID:   id,
			URL:  "/api/v1/files/" + id,
			Size: header.Size,
		},
	})
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := uuid.Parse(id); err != nil {
		sendError(w, http.StatusNotFound, "file not found")
		return
	}

	obj, size, err := h.store.Get(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		sendError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to read attachment", "id", id, "error", err)
		sendError(w, http.StatusInternalServerError, "failed to get file")
		return
	}
	defer obj.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", size))

	if _, err := io.Copy(w, obj); err != nil {
		h.logger.Warn("attachment download interrupted", "id", id, "error", err)
	}
}

func (h *Handler) tooLarge(w http.ResponseWriter) {
	sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("payload_too_large: file exceeds %d bytes", h.maxSize))
}

func sendError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: message,
	})
}

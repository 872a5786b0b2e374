package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ilkin0/resumable/internal/api/types"
	"github.com/ilkin0/resumable/internal/logger"
	"github.com/ilkin0/resumable/internal/service"
	"github.com/ilkin0/resumable/internal/utils"
)

// multipartOverhead covers form fields and part headers around a chunk.
const multipartOverhead = 1 << 20

// chunkMemory is how much of a chunk form is buffered in memory before
// spilling to a temporary file.
const chunkMemory = 8 << 20

type UploadHandler struct {
	uploadService *service.UploadService
}

func NewUploadHandler(uploadService *service.UploadService) *UploadHandler {
	return &UploadHandler{uploadService: uploadService}
}

func (h *UploadHandler) InitUpload(w http.ResponseWriter, r *http.Request) {
	var req types.InitUploadRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.Error(w, http.StatusBadRequest, "Failed to parse request body")
		return
	}

	resp, err := h.uploadService.InitUpload(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	utils.Created(w, resp)
}

func (h *UploadHandler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.uploadService.MaxChunkSize()+multipartOverhead)
	if err := r.ParseMultipartForm(chunkMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			utils.Error(w, http.StatusRequestEntityTooLarge, "Chunk too large")
			return
		}
		utils.Error(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	chunkIndex, err := strconv.ParseInt(r.FormValue("chunk_index"), 10, 64)
	if err != nil {
		utils.Error(w, http.StatusBadRequest, "Invalid chunk index")
		return
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		utils.Error(w, http.StatusBadRequest, "File chunk is missing")
		return
	}
	defer file.Close()

	resp, err := h.uploadService.AcceptChunk(r.Context(), types.ChunkUploadRequest{
		UploadID:     strings.TrimSpace(r.FormValue("upload_id")),
		ChunkIndex:   chunkIndex,
		Data:         file,
		Size:         header.Size,
		ExpectedHash: r.FormValue("hash"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	utils.Ok(w, resp)
}

func (h *UploadHandler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	var req types.CompleteUploadRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		utils.Error(w, http.StatusBadRequest, "Failed to parse request body")
		return
	}

	resp, err := h.uploadService.Complete(r.Context(), strings.TrimSpace(req.UploadID))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	utils.Ok(w, resp)
}

func (h *UploadHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	uploadID := strings.TrimSpace(r.URL.Query().Get("upload_id"))

	status, err := h.uploadService.Status(r.Context(), uploadID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	utils.Ok(w, status)
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var failure *service.FailureError
	if errors.As(err, &failure) {
		utils.ErrorWithData(w, http.StatusUnprocessableEntity, "Upload failed: "+failure.Reason,
			types.CompleteUploadResponse{
				UploadID: failure.UploadID,
				Status:   "failed",
				Reason:   failure.Reason,
			})
		return
	}

	status := mapServiceErrorToHTTP(err)
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("upload request failed",
			slog.String("http.path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		utils.Error(w, status, "Internal server error")
		return
	}
	utils.Error(w, status, err.Error())
}

func mapServiceErrorToHTTP(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

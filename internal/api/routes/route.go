package routes

import (
	"github.com/go-chi/chi/v5"
	"github.com/ilkin0/resumable/internal/api/handlers"
	"github.com/ilkin0/resumable/internal/middleware"
	"github.com/ilkin0/resumable/internal/service"
)

func UploadRoutes(uploadService *service.UploadService, limits middleware.RateLimits) chi.Router {
	r := chi.NewRouter()
	uploadHandler := handlers.NewUploadHandler(uploadService)

	r.With(limits.Init()).Post("/initialize", uploadHandler.InitUpload)
	r.With(limits.Chunk()).Post("/chunk", uploadHandler.UploadChunk)
	r.With(limits.Complete()).Post("/complete", uploadHandler.CompleteUpload)
	r.With(limits.Status()).Get("/status", uploadHandler.GetStatus)
	return r
}

package router

import (
	"net/http"

	"github.com/BerylCAtieno/upload-insights-api/internal/handlers"
	"github.com/BerylCAtieno/upload-insights-api/internal/middleware"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	Uploads     *handlers.UploadHandler
	Chat        *handlers.ChatHandler
	ServiceName string
}

func NewRouter(h Handlers, logger *utils.Logger) http.Handler {
	r := mux.NewRouter()

	// Middlewares
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS())
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Tracing(h.ServiceName))

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// Routes
	api := r.PathPrefix("/api/v1").Subrouter()

	// Health check
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	// Uploads
	api.HandleFunc("/uploads/tabular", h.Uploads.UploadTabular).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/uploads/datasets", h.Uploads.UploadDataset).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/uploads/images", h.Uploads.UploadImage).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/uploads/{id}", h.Uploads.GetUpload).Methods(http.MethodGet)

	// Pipeline
	api.HandleFunc("/training", h.Uploads.StartTraining).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/tasks/{id}", h.Uploads.GetTask).Methods(http.MethodGet)
	api.HandleFunc("/models/reload", h.Uploads.ReloadModels).Methods(http.MethodPost)

	// Chat
	api.HandleFunc("/chat", h.Chat.Ask).Methods(http.MethodPost, http.MethodOptions)

	return r
}

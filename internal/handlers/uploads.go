package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/services"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"

	"github.com/gorilla/mux"
)

const (
	DefaultMaxUploadSize = 512 << 20
	DefaultMaxImageSize  = 10 << 20
)

type UploadHandler struct {
	responder
	service       services.UploadService
	maxUploadSize int64
	maxImageSize  int64
}

func NewUploadHandler(service services.UploadService, maxUploadSize, maxImageSize int64, logger *utils.Logger) *UploadHandler {
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	if maxImageSize <= 0 {
		maxImageSize = DefaultMaxImageSize
	}
	return &UploadHandler{
		responder:     responder{logger: logger},
		service:       service,
		maxUploadSize: maxUploadSize,
		maxImageSize:  maxImageSize,
	}
}

func (h *UploadHandler) UploadTabular(w http.ResponseWriter, r *http.Request) {
	req, err := h.filePart(w, r, h.maxUploadSize)
	if err != nil {
		h.respondError(w, err)
		return
	}

	resp, err := h.service.UploadTabular(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, resp)
}

func (h *UploadHandler) UploadDataset(w http.ResponseWriter, r *http.Request) {
	req, err := h.filePart(w, r, h.maxUploadSize)
	if err != nil {
		h.respondError(w, err)
		return
	}

	resp, err := h.service.UploadDataset(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, resp)
}

func (h *UploadHandler) UploadImage(w http.ResponseWriter, r *http.Request) {
	req, err := h.filePart(w, r, h.maxImageSize)
	if err != nil {
		h.respondError(w, err)
		return
	}

	resp, err := h.service.ClassifyImage(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) GetUpload(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, utils.NewBadRequestError("Upload ID must be a positive integer"))
		return
	}

	rec, err := h.service.GetUpload(r.Context(), id)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, rec)
}

func (h *UploadHandler) StartTraining(w http.ResponseWriter, r *http.Request) {
	var req models.TrainingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		h.respondError(w, utils.NewBadRequestError("Invalid JSON body"))
		return
	}

	resp, err := h.service.StartTraining(r.Context(), req.Category)
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusAccepted, resp)
}

func (h *UploadHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.GetTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
}

func (h *UploadHandler) ReloadModels(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.ReloadModels(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, resp)
}

// filePart returns the "file" part of a multipart body as a stream. The body
// is never buffered in full; the service reads the part before the handler
// returns.
func (h *UploadHandler) filePart(w http.ResponseWriter, r *http.Request, limit int64) (*models.UploadRequest, error) {
	// Reject oversized requests early when the client announces the length
	if r.ContentLength > limit {
		return nil, tooLarge(limit)
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, utils.NewBadRequestError("Invalid form data")
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, utils.NewBadRequestError("No file provided")
		}
		if err != nil {
			if isTooLarge(err) {
				return nil, tooLarge(limit)
			}
			return nil, utils.NewBadRequestError("Invalid form data")
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		h.logger.Info("File upload attempt",
			"filename", part.FileName(),
			"reported_content_type", part.Header.Get("Content-Type"),
			"path", r.URL.Path)

		return &models.UploadRequest{
			File:        &limitReader{r: part, limit: limit},
			Size:        -1,
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
		}, nil
	}
}

func tooLarge(limit int64) *utils.AppError {
	return utils.NewBadRequestError(fmt.Sprintf("File size exceeds %dMB limit", limit>>20))
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// limitReader reports a body over the size limit as invalid input.
type limitReader struct {
	r     io.Reader
	limit int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if err != nil && isTooLarge(err) {
		return n, utils.InvalidInput(tooLarge(l.limit).Message, err)
	}
	return n, err
}

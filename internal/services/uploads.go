package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/cache"
	"github.com/BerylCAtieno/upload-insights-api/internal/metrics"
	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/repository"
	"github.com/BerylCAtieno/upload-insights-api/internal/storage"
	"github.com/BerylCAtieno/upload-insights-api/internal/tabular"
	"github.com/BerylCAtieno/upload-insights-api/internal/tasks"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
	"github.com/BerylCAtieno/upload-insights-api/internal/vision"

	"github.com/google/uuid"
)

type UploadService interface {
	UploadTabular(ctx context.Context, req *models.UploadRequest) (*models.UploadResponse, error)
	UploadDataset(ctx context.Context, req *models.UploadRequest) (*models.UploadResponse, error)
	ClassifyImage(ctx context.Context, req *models.UploadRequest) (*models.ImageResponse, error)
	GetUpload(ctx context.Context, id int64) (*models.UploadRecord, error)
	StartTraining(ctx context.Context, category string) (*models.TaskResponse, error)
	GetTask(ctx context.Context, id string) (*queue.Task, error)
	ReloadModels(ctx context.Context) (*models.ModelReloadResponse, error)
}

// TaskQueue is the part of the queue the intake layer needs.
type TaskQueue interface {
	Enqueue(ctx context.Context, typ queue.TaskType, payload any) (*queue.Task, error)
	Get(ctx context.Context, id string) (*queue.Task, error)
}

type ImageClassifier interface {
	Classify(r io.Reader) (models.Classification, error)
	Reload() error
	Ready() bool
	ModelPath() string
}

type UploadDeps struct {
	Ledger     repository.Repository
	Store      storage.Storage
	Queue      TaskQueue
	Cache      cache.Cache
	Classifier ImageClassifier
	CacheTTL   time.Duration

	UploadsFolder string
	ModelsFolder  string
	ModelDir      string
}

type uploadService struct {
	deps   UploadDeps
	logger *utils.Logger
}

func NewUploadService(deps UploadDeps, logger *utils.Logger) UploadService {
	return &uploadService{deps: deps, logger: logger}
}

func (s *uploadService) UploadTabular(ctx context.Context, req *models.UploadRequest) (*models.UploadResponse, error) {
	filename, err := cleanFilename(req.Filename)
	if err != nil {
		return nil, err
	}
	if _, err := tabular.FormatFromFilename(filename); err != nil {
		metrics.UploadsTotal.WithLabelValues(string(models.KindTabular), "rejected").Inc()
		return nil, utils.NewBadRequestError("Only CSV and XLSX files are allowed")
	}

	return s.intake(ctx, req, filename, models.KindTabular, func(rec *models.UploadRecord) (queue.TaskType, any) {
		return queue.TypeTabularAnalysis, tasks.TabularPayload{StorageKey: rec.StorageKey, Filename: filename, RecordID: rec.ID}
	})
}

func (s *uploadService) UploadDataset(ctx context.Context, req *models.UploadRequest) (*models.UploadResponse, error) {
	filename, err := cleanFilename(req.Filename)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(path.Ext(filename), ".zip") {
		metrics.UploadsTotal.WithLabelValues(string(models.KindImageDataset), "rejected").Inc()
		return nil, utils.NewBadRequestError("Only ZIP archives are allowed")
	}
	if c := tasks.CategoryFromFilename(filename); c == "" {
		return nil, utils.NewBadRequestError("Archive name must start with the dataset category")
	}

	return s.intake(ctx, req, filename, models.KindImageDataset, func(rec *models.UploadRecord) (queue.TaskType, any) {
		return queue.TypeDatasetIngestion, tasks.DatasetPayload{StorageKey: rec.StorageKey, RecordID: rec.ID, Filename: filename}
	})
}

// intake creates the ledger entry, streams the body to the object store and
// enqueues the background task. It never waits for processing.
func (s *uploadService) intake(ctx context.Context, req *models.UploadRequest, filename string, kind models.Kind,
	task func(rec *models.UploadRecord) (queue.TaskType, any)) (*models.UploadResponse, error) {
	rec := &models.UploadRecord{
		Filename:   filename,
		Kind:       kind,
		StorageKey: storage.Key(s.deps.UploadsFolder, uuid.NewString(), filename),
	}
	if _, err := s.deps.Ledger.Create(ctx, rec); err != nil {
		s.logger.Error("Failed to create upload record", "error", err, "filename", filename)
		metrics.UploadsTotal.WithLabelValues(string(kind), "error").Inc()
		return nil, utils.NewInternalError("Failed to save upload metadata")
	}
	logger := s.logger.With("record_id", rec.ID, "key", rec.StorageKey)

	size, err := s.deps.Store.Upload(ctx, rec.StorageKey, req.File, req.Size, req.ContentType)
	if err == nil && size == 0 {
		err = utils.NewBadRequestError("Uploaded file is empty")
	}
	if err != nil {
		logger.Error("Failed to store upload", "error", err)
		var appErr *utils.AppError
		if errors.As(err, &appErr) && appErr.Kind == utils.KindInvalidInput {
			return nil, s.abort(ctx, rec, err, utils.NewBadRequestError(appErr.Message))
		}
		return nil, s.abort(ctx, rec, err, utils.NewInternalError("Failed to store upload"))
	}
	if err := s.deps.Ledger.UpdateSize(ctx, rec.ID, size); err != nil {
		logger.Warn("Failed to record upload size", "error", err)
	}

	typ, payload := task(rec)
	t, err := s.deps.Queue.Enqueue(ctx, typ, payload)
	if err != nil {
		logger.Error("Failed to enqueue task", "error", err, "type", typ)
		return nil, s.abort(ctx, rec, err, utils.NewInternalError("Failed to schedule processing"))
	}

	metrics.UploadsTotal.WithLabelValues(string(kind), "accepted").Inc()
	logger.Info("Upload accepted", "filename", filename, "bytes", size, "task_id", t.ID, "type", typ)

	return &models.UploadResponse{
		ID:        rec.ID,
		Filename:  filename,
		Kind:      kind,
		Status:    rec.Status,
		TaskID:    t.ID,
		CreatedAt: rec.CreatedAt,
		Message:   fmt.Sprintf("Upload accepted. Poll /api/v1/uploads/%d for the result.", rec.ID),
	}, nil
}

// abort marks the record failed and removes whatever was stored for it.
func (s *uploadService) abort(ctx context.Context, rec *models.UploadRecord, cause error, resp *utils.AppError) error {
	if err := s.deps.Store.Delete(ctx, rec.StorageKey); err != nil {
		s.logger.Warn("Failed to clean up stored upload", "error", err, "key", rec.StorageKey)
	}
	info := models.ErrorInfo{Type: string(utils.KindOf(resp)), Message: cause.Error()}
	if err := s.deps.Ledger.Fail(ctx, rec.ID, models.FailureStatus(rec.Kind), info); err != nil {
		s.logger.Error("Failed to mark upload failed", "error", err, "record_id", rec.ID)
	}
	metrics.UploadsTotal.WithLabelValues(string(rec.Kind), "error").Inc()
	return resp
}

func (s *uploadService) ClassifyImage(ctx context.Context, req *models.UploadRequest) (*models.ImageResponse, error) {
	filename, err := cleanFilename(req.Filename)
	if err != nil {
		return nil, err
	}

	rec := &models.UploadRecord{Filename: filename, Kind: models.KindImage}
	if _, err := s.deps.Ledger.Create(ctx, rec); err != nil {
		s.logger.Error("Failed to create upload record", "error", err, "filename", filename)
		return nil, utils.NewInternalError("Failed to save upload metadata")
	}
	logger := s.logger.With("record_id", rec.ID, "filename", filename)

	counter := &byteCounter{r: req.File}
	result, err := s.deps.Classifier.Classify(counter)
	if uerr := s.deps.Ledger.UpdateSize(ctx, rec.ID, counter.n); uerr != nil {
		logger.Warn("Failed to record upload size", "error", uerr)
	}
	if err != nil {
		var appErr *utils.AppError
		if !errors.As(err, &appErr) {
			appErr = utils.Internal("Failed to classify image", err)
		}
		s.fail(ctx, rec, models.ErrorInfo{Type: string(appErr.Kind), Message: err.Error()})
		logger.Warn("Image classification failed", "error", err)
		metrics.UploadsTotal.WithLabelValues(string(models.KindImage), "rejected").Inc()
		return nil, &utils.AppError{Kind: appErr.Kind, StatusCode: appErr.StatusCode, Message: appErr.Message}
	}

	if result.Error != "" {
		s.fail(ctx, rec, models.ErrorInfo{Type: string(utils.KindDegradedMode), Message: result.Error})
		logger.Warn("Image classified in degraded mode", "error", result.Error)
		metrics.UploadsTotal.WithLabelValues(string(models.KindImage), "degraded").Inc()
		return &models.ImageResponse{ID: rec.ID, Classification: result}, nil
	}

	if err := s.deps.Ledger.Complete(ctx, rec.ID, models.StatusSuccess, result); err != nil {
		logger.Error("Failed to save classification", "error", err)
		return nil, utils.NewInternalError("Failed to save classification result")
	}
	_ = cache.SetJSON(ctx, s.deps.Cache, logger, cache.UploadKey(rec.ID), result, s.deps.CacheTTL)

	metrics.UploadsTotal.WithLabelValues(string(models.KindImage), "accepted").Inc()
	logger.Info("Image classified", "prediction", result.Label, "confidence", result.Confidence, "bytes", counter.n)
	return &models.ImageResponse{ID: rec.ID, Classification: result}, nil
}

func (s *uploadService) fail(ctx context.Context, rec *models.UploadRecord, info models.ErrorInfo) {
	if err := s.deps.Ledger.Fail(ctx, rec.ID, models.FailureStatus(rec.Kind), info); err != nil {
		s.logger.Error("Failed to mark upload failed", "error", err, "record_id", rec.ID)
	}
}

func (s *uploadService) GetUpload(ctx context.Context, id int64) (*models.UploadRecord, error) {
	rec, err := s.deps.Ledger.GetByID(ctx, id)
	if err != nil {
		s.logger.Error("Failed to get upload", "error", err, "id", id)
		return nil, utils.NewInternalError("Failed to retrieve upload")
	}
	if rec == nil {
		return nil, utils.NewNotFoundError("Upload not found")
	}
	return rec, nil
}

func (s *uploadService) StartTraining(ctx context.Context, category string) (*models.TaskResponse, error) {
	category = strings.TrimSpace(category)
	if category == "" || strings.ContainsAny(category, `/\.`) {
		return nil, utils.NewBadRequestError("A valid category is required")
	}

	t, err := s.deps.Queue.Enqueue(ctx, queue.TypeModelTraining, tasks.TrainingPayload{Category: category})
	if err != nil {
		s.logger.Error("Failed to enqueue training", "error", err, "category", category)
		return nil, utils.NewInternalError("Failed to schedule training")
	}

	s.logger.Info("Training scheduled", "category", category, "task_id", t.ID)
	return &models.TaskResponse{
		TaskID:  t.ID,
		Status:  string(t.State),
		Message: fmt.Sprintf("Training for %q scheduled.", category),
	}, nil
}

func (s *uploadService) GetTask(ctx context.Context, id string) (*queue.Task, error) {
	t, err := s.deps.Queue.Get(ctx, id)
	if errors.Is(err, queue.ErrTaskNotFound) {
		return nil, utils.NewNotFoundError("Task not found")
	}
	if err != nil {
		s.logger.Error("Failed to get task", "error", err, "task_id", id)
		return nil, utils.NewInternalError("Failed to retrieve task")
	}
	return t, nil
}

// ReloadModels pulls published models into the local model directory and
// swaps in the newest one.
func (s *uploadService) ReloadModels(ctx context.Context) (*models.ModelReloadResponse, error) {
	n, err := vision.SyncModels(ctx, s.deps.Store, s.deps.ModelsFolder, s.deps.ModelDir)
	if err != nil {
		s.logger.Error("Failed to sync models", "error", err)
		return nil, utils.NewInternalError("Failed to fetch published models")
	}

	if err := s.deps.Classifier.Reload(); err != nil && !s.deps.Classifier.Ready() {
		return nil, utils.NewDegradedError("No image model could be loaded")
	}
	return &models.ModelReloadResponse{
		Synced:    n,
		Loaded:    s.deps.Classifier.Ready(),
		ModelPath: s.deps.Classifier.ModelPath(),
	}, nil
}

// cleanFilename keeps the base name of a client-supplied filename.
func cleanFilename(name string) (string, error) {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", utils.NewBadRequestError("A file name is required")
	}
	return name, nil
}

type byteCounter struct {
	r io.Reader
	n int64
}

func (c *byteCounter) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

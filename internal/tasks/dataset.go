package tasks

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"strings"

	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/pipeline"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/storage"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

// DatasetIngestion unpacks an uploaded archive into the training data
// prefix of its category and announces the category for training.
type DatasetIngestion struct {
	deps           Deps
	trainingFolder string
}

func NewDatasetIngestion(deps Deps, trainingFolder string) *DatasetIngestion {
	return &DatasetIngestion{deps: deps, trainingFolder: trainingFolder}
}

func (h *DatasetIngestion) Type() queue.TaskType { return queue.TypeDatasetIngestion }

// CategoryFromFilename derives the dataset category: the name up to its
// first dot.
func CategoryFromFilename(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	return strings.TrimSpace(name)
}

func (h *DatasetIngestion) Handle(ctx context.Context, task *queue.Task) pipeline.Outcome {
	var p DatasetPayload
	if err := decodePayload(task, &p); err != nil {
		return pipeline.Terminal(err)
	}
	category := CategoryFromFilename(p.Filename)
	if category == "" || category == "." || category == ".." {
		return pipeline.Terminal(utils.InvalidInput(fmt.Sprintf("cannot derive dataset category from %q", p.Filename), nil))
	}
	logger := h.deps.Logger.With("record_id", p.RecordID, "task_id", task.ID, "category", category)
	prepared := pipeline.NewEvent(EventDatasetPrepared, TrainingPayload{Category: category})

	archive, size, err := h.fetch(ctx, p.StorageKey)
	if errors.Is(err, storage.ErrObjectNotFound) {
		// a previous attempt may have finished and removed the archive
		if rec, gerr := h.deps.Ledger.GetByID(ctx, p.RecordID); gerr == nil && rec != nil && rec.Status == models.StatusDataPrepComplete {
			logger.Info("Dataset already ingested")
			return pipeline.Success(rec.Result, prepared)
		}
		return pipeline.Terminal(err)
	}
	if err != nil {
		return pipeline.Retryable(err)
	}
	defer func() {
		archive.Close()
		os.Remove(archive.Name())
	}()

	if err := h.deps.Ledger.UpdateSize(ctx, p.RecordID, size); err != nil {
		logger.Warn("Failed to record upload size", "error", err)
	}

	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return pipeline.Terminal(utils.InvalidInput("dataset is not a valid zip archive", err))
	}

	prefix := storage.Key(h.trainingFolder, category)
	result, err := h.extract(ctx, zr, category, prefix)
	if err != nil {
		logger.Warn("Dataset extraction failed", "error", err)
		return pipeline.FromError(err)
	}

	if err := h.deps.Ledger.Complete(ctx, p.RecordID, models.StatusDataPrepComplete, result); err != nil {
		return ledgerOutcome(err)
	}
	// The ledger is authoritative from here on; a leftover archive only
	// costs storage.
	if err := h.deps.Store.Delete(ctx, p.StorageKey); err != nil {
		logger.Warn("Failed to delete ingested archive", "key", p.StorageKey, "error", err)
	}

	logger.Info("Dataset ingested", "prefix", prefix, "files", result.Files, "trainable_files", result.TrainableFiles)
	return pipeline.Success(result, prepared)
}

// fetch spools the archive to a temp file; zip needs random access.
func (h *DatasetIngestion) fetch(ctx context.Context, key string) (*os.File, int64, error) {
	rc, err := h.deps.Store.Download(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "dataset-*.zip")
	if err != nil {
		return nil, 0, fmt.Errorf("create temp archive: %w", err)
	}
	size, err := io.Copy(tmp, rc)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, 0, fmt.Errorf("spool archive %s: %w", key, err)
	}
	return tmp, size, nil
}

func (h *DatasetIngestion) extract(ctx context.Context, zr *zip.Reader, category, prefix string) (models.DatasetResult, error) {
	result := models.DatasetResult{Category: category, Prefix: prefix}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name, ok := safeEntryName(f.Name)
		if !ok {
			return result, utils.InvalidInput(fmt.Sprintf("archive entry %q escapes the dataset root", f.Name), nil)
		}
		if strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._") {
			continue
		}

		if err := h.copyEntry(ctx, f, storage.Key(prefix, name)); err != nil {
			return result, err
		}
		result.Files++
		if _, ok := TrainingLabel(name); ok {
			result.TrainableFiles++
		}
	}
	return result, nil
}

func (h *DatasetIngestion) copyEntry(ctx context.Context, f *zip.File, key string) error {
	rc, err := f.Open()
	if err != nil {
		return utils.InvalidInput(fmt.Sprintf("cannot read archive entry %q", f.Name), err)
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if _, err := h.deps.Store.Upload(ctx, key, rc, int64(f.UncompressedSize64), contentType); err != nil {
		return utils.Internal("failed to store extracted file", err)
	}
	return nil
}

// safeEntryName normalises an archive path and rejects absolute paths and
// parent references.
func safeEntryName(name string) (string, bool) {
	name = strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(name, "/") {
		return "", false
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

func (h *DatasetIngestion) OnFailure(ctx context.Context, task *queue.Task, err error) {
	var p DatasetPayload
	if derr := decodePayload(task, &p); derr != nil {
		h.deps.Logger.Error("Cannot mark record failed, payload unreadable", "task_id", task.ID, "error", derr)
		return
	}
	if !errors.As(err, new(*utils.AppError)) {
		err = utils.Internal("dataset ingestion failed", err)
	}
	markFailed(ctx, h.deps, p.RecordID, models.StatusDataPrepFailed, err)
}

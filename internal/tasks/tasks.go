// Package tasks holds the background handlers run by the worker tier.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/BerylCAtieno/upload-insights-api/internal/cache"
	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/pipeline"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/repository"
	"github.com/BerylCAtieno/upload-insights-api/internal/storage"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

// EventDatasetPrepared is published after a dataset archive was ingested.
// Its payload is a TrainingPayload.
const EventDatasetPrepared = "dataset.prepared"

type TabularPayload struct {
	StorageKey string `json:"storage_key"`
	Filename   string `json:"filename"`
	RecordID   int64  `json:"record_id"`
}

type DatasetPayload struct {
	StorageKey string `json:"storage_key"`
	RecordID   int64  `json:"record_id"`
	Filename   string `json:"filename"`
}

type TrainingPayload struct {
	Category string `json:"category"`
}

const (
	SourceCache    = "cache"
	SourceComputed = "computed"
)

type TabularResult struct {
	RecordID   int64        `json:"record_id"`
	Statistics models.Stats `json:"statistics"`
	Source     string       `json:"source"`
}

type TrainingResult struct {
	Status   string `json:"status"`
	Category string `json:"category"`
	ModelKey string `json:"model_key,omitempty"`
	Samples  int    `json:"samples,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Deps are the collaborators shared by every handler.
type Deps struct {
	Ledger   repository.Repository
	Store    storage.Storage
	Cache    cache.Cache
	Snapshot cache.SnapshotStore
	CacheTTL time.Duration
	Logger   *utils.Logger
}

func decodePayload(task *queue.Task, dst any) error {
	if err := json.Unmarshal(task.Payload, dst); err != nil {
		return utils.InvalidInput("malformed task payload", err)
	}
	return nil
}

// ledgerOutcome classifies a failed ledger write. A record that is gone or
// already in an incompatible state will not recover on retry.
func ledgerOutcome(err error) pipeline.Outcome {
	if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidTransition) {
		return pipeline.Terminal(err)
	}
	return pipeline.Retryable(err)
}

// storeOutcome classifies a failed object store read.
func storeOutcome(err error) pipeline.Outcome {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return pipeline.Terminal(err)
	}
	return pipeline.Retryable(err)
}

func errorInfo(err error) models.ErrorInfo {
	return models.ErrorInfo{Type: string(utils.KindOf(err)), Message: err.Error()}
}

// countingReader tracks how many bytes passed through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// markFailed writes the terminal failure status for a record. Errors are
// logged because there is nothing left to retry.
func markFailed(ctx context.Context, d Deps, id int64, status models.Status, cause error) {
	if err := d.Ledger.Fail(ctx, id, status, errorInfo(cause)); err != nil {
		d.Logger.Error("Failed to record failure in ledger", "record_id", id, "status", status, "error", err)
		return
	}
	d.Logger.Info("Record marked failed", "record_id", id, "status", status)
}

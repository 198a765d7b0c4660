package tasks

import (
	"context"
	"errors"
	"io"

	"github.com/BerylCAtieno/upload-insights-api/internal/cache"
	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/pipeline"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/tabular"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

// TableComputer computes summary statistics for a CSV stream.
type TableComputer interface {
	Compute(ctx context.Context, r io.Reader) (models.Stats, error)
}

type TabularAnalysis struct {
	deps     Deps
	computer TableComputer
}

func NewTabularAnalysis(deps Deps, computer TableComputer) *TabularAnalysis {
	return &TabularAnalysis{deps: deps, computer: computer}
}

func (h *TabularAnalysis) Type() queue.TaskType { return queue.TypeTabularAnalysis }

func (h *TabularAnalysis) Handle(ctx context.Context, task *queue.Task) pipeline.Outcome {
	var p TabularPayload
	if err := decodePayload(task, &p); err != nil {
		return pipeline.Terminal(err)
	}
	logger := h.deps.Logger.With("record_id", p.RecordID, "task_id", task.ID, "filename", p.Filename)

	var cached models.Stats
	if cache.GetJSON(ctx, h.deps.Cache, logger, cache.FileKey(p.Filename), &cached) {
		if err := h.deps.Ledger.Complete(ctx, p.RecordID, models.StatusSuccess, cached); err != nil {
			return ledgerOutcome(err)
		}
		h.publish(ctx, p, cached, false)
		logger.Info("Tabular result served from cache")
		return pipeline.Success(TabularResult{RecordID: p.RecordID, Statistics: cached, Source: SourceCache})
	}

	stats, size, err := h.compute(ctx, p)
	if err != nil {
		logger.Warn("Tabular analysis failed", "error", err)
		if errors.Is(err, tabular.ErrMalformedTable) {
			return pipeline.Terminal(err)
		}
		if o := storeOutcome(err); o.Kind == pipeline.OutcomeTerminal {
			return o
		}
		return pipeline.FromError(err)
	}

	if err := h.deps.Ledger.UpdateSize(ctx, p.RecordID, size); err != nil {
		logger.Warn("Failed to record upload size", "error", err)
	}
	if err := h.deps.Ledger.Complete(ctx, p.RecordID, models.StatusSuccess, stats); err != nil {
		return ledgerOutcome(err)
	}
	h.publish(ctx, p, stats, true)

	logger.Info("Tabular analysis completed", "bytes", size, "metrics", len(stats))
	return pipeline.Success(TabularResult{RecordID: p.RecordID, Statistics: stats, Source: SourceComputed})
}

func (h *TabularAnalysis) compute(ctx context.Context, p TabularPayload) (models.Stats, int64, error) {
	format, err := tabular.FormatFromFilename(p.Filename)
	if err != nil {
		return nil, 0, err
	}

	rc, err := h.deps.Store.Download(ctx, p.StorageKey)
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()
	counter := &countingReader{r: rc}

	var src io.Reader = counter
	if format == tabular.FormatXLSX {
		converted, err := tabular.ConvertXLSX(counter)
		if err != nil {
			return nil, counter.n, err
		}
		defer converted.Close()
		src = converted
	}

	stats, err := h.computer.Compute(ctx, src)
	return stats, counter.n, err
}

// publish fills the caches read by status polling and the chat service.
// Cache writes are best-effort.
func (h *TabularAnalysis) publish(ctx context.Context, p TabularPayload, stats models.Stats, fresh bool) {
	ttl := h.deps.CacheTTL
	logger := h.deps.Logger

	if fresh {
		_ = cache.SetJSON(ctx, h.deps.Cache, logger, cache.FileKey(p.Filename), stats, ttl)
		for metric, value := range stats {
			_ = cache.SetJSON(ctx, h.deps.Cache, logger, cache.MetricKey(metric), value, ttl)
		}
	}
	_ = cache.SetJSON(ctx, h.deps.Cache, logger, cache.UploadKey(p.RecordID), stats, ttl)
	if err := h.deps.Snapshot.SaveLatest(ctx, stats); err != nil {
		logger.Warn("Failed to update latest statistics", "record_id", p.RecordID, "error", err)
	}
}

func (h *TabularAnalysis) OnFailure(ctx context.Context, task *queue.Task, err error) {
	var p TabularPayload
	if derr := decodePayload(task, &p); derr != nil {
		h.deps.Logger.Error("Cannot mark record failed, payload unreadable", "task_id", task.ID, "error", derr)
		return
	}
	if !errors.As(err, new(*utils.AppError)) {
		err = utils.Internal("tabular analysis failed", err)
	}
	markFailed(ctx, h.deps, p.RecordID, models.StatusFailure, err)
}

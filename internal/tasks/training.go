package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/BerylCAtieno/upload-insights-api/internal/cache"
	"github.com/BerylCAtieno/upload-insights-api/internal/pipeline"
	"github.com/BerylCAtieno/upload-insights-api/internal/queue"
	"github.com/BerylCAtieno/upload-insights-api/internal/storage"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
	"github.com/BerylCAtieno/upload-insights-api/internal/vision"
)

var trainingExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// TrainingLabel maps a path relative to a category prefix to its class
// label. Only images below a train/{good|defect} folder qualify.
func TrainingLabel(rel string) (string, bool) {
	if !trainingExts[strings.ToLower(path.Ext(rel))] {
		return "", false
	}
	segs := strings.Split(rel, "/")
	for i := 0; i+2 < len(segs); i++ {
		if segs[i] == "train" {
			return vision.LabelForDir(segs[i+1])
		}
	}
	return "", false
}

type TrainingConfig struct {
	TrainingFolder string
	ModelsFolder   string
	ImageSize      int
	MaxSamples     int
}

// ModelTraining fits a classifier for one category from its ingested
// training images and publishes it to the models folder.
type ModelTraining struct {
	deps Deps
	cfg  TrainingConfig
}

func NewModelTraining(deps Deps, cfg TrainingConfig) *ModelTraining {
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = vision.DefaultImageSize
	}
	return &ModelTraining{deps: deps, cfg: cfg}
}

func (h *ModelTraining) Type() queue.TaskType { return queue.TypeModelTraining }

type trainingSample struct {
	key   string
	label string
}

func (h *ModelTraining) Handle(ctx context.Context, task *queue.Task) pipeline.Outcome {
	var p TrainingPayload
	if err := decodePayload(task, &p); err != nil {
		return pipeline.Terminal(err)
	}
	if strings.TrimSpace(p.Category) == "" {
		return pipeline.Terminal(utils.InvalidInput("training category is required", nil))
	}
	logger := h.deps.Logger.With("task_id", task.ID, "category", p.Category)

	samples, err := h.samples(ctx, p.Category)
	if err != nil {
		return pipeline.Retryable(err)
	}
	if len(samples) == 0 {
		logger.Warn("No training data found")
		return pipeline.Terminal(vision.ErrNoTrainingData)
	}
	logger.Info("Training started", "samples", len(samples))

	trainer := vision.NewTrainer()
	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return pipeline.Retryable(err)
		}
		x, err := h.load(ctx, s.key)
		if utils.IsInvalidInput(err) {
			logger.Warn("Skipping undecodable training image", "key", s.key, "error", err)
			continue
		}
		if err != nil {
			return pipeline.Retryable(err)
		}
		trainer.Add(s.label, x)
	}

	model, err := trainer.Fit(p.Category, h.cfg.ImageSize)
	if err != nil {
		return pipeline.Terminal(err)
	}

	var buf bytes.Buffer
	if err := model.Encode(&buf); err != nil {
		return pipeline.Terminal(fmt.Errorf("encode model: %w", err))
	}
	key := vision.ModelKey(h.cfg.ModelsFolder, p.Category)
	if _, err := h.deps.Store.Upload(ctx, key, &buf, int64(buf.Len()), "application/json"); err != nil {
		return pipeline.Retryable(err)
	}

	result := TrainingResult{Status: "success", Category: p.Category, ModelKey: key, Samples: trainer.Samples()}
	_ = cache.SetJSON(ctx, h.deps.Cache, logger, cache.TrainingKey(p.Category), result, h.deps.CacheTTL)
	logger.Info("Model published", "key", key, "samples", result.Samples, "labels", model.Labels)
	return pipeline.Success(result)
}

// samples lists qualifying images in key order, capped at MaxSamples.
func (h *ModelTraining) samples(ctx context.Context, category string) ([]trainingSample, error) {
	prefix := storage.Key(h.cfg.TrainingFolder, category) + "/"
	objs, err := h.deps.Store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })

	var out []trainingSample
	for _, obj := range objs {
		label, ok := TrainingLabel(strings.TrimPrefix(obj.Key, prefix))
		if !ok {
			continue
		}
		out = append(out, trainingSample{key: obj.Key, label: label})
		if h.cfg.MaxSamples > 0 && len(out) >= h.cfg.MaxSamples {
			break
		}
	}
	return out, nil
}

func (h *ModelTraining) load(ctx context.Context, key string) (vision.Tensor, error) {
	rc, err := h.deps.Store.Download(ctx, key)
	if err != nil {
		return vision.Tensor{}, err
	}
	defer rc.Close()
	return vision.Preprocess(rc, h.cfg.ImageSize)
}

// OnFailure records the failed outcome so operators can see why no model
// was produced.
func (h *ModelTraining) OnFailure(ctx context.Context, task *queue.Task, err error) {
	var p TrainingPayload
	if derr := decodePayload(task, &p); derr != nil || p.Category == "" {
		h.deps.Logger.Error("Training failed for unreadable payload", "task_id", task.ID, "error", err)
		return
	}
	reason := err.Error()
	if errors.Is(err, vision.ErrNoTrainingData) {
		reason = vision.ErrNoTrainingData.Error()
	}
	result := TrainingResult{Status: "failed", Category: p.Category, Reason: reason}
	_ = cache.SetJSON(ctx, h.deps.Cache, h.deps.Logger, cache.TrainingKey(p.Category), result, h.deps.CacheTTL)
	h.deps.Logger.Error("Training failed", "category", p.Category, "reason", reason)
}

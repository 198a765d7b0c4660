package vision

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BerylCAtieno/upload-insights-api/internal/metrics"
	"github.com/BerylCAtieno/upload-insights-api/internal/models"
	"github.com/BerylCAtieno/upload-insights-api/internal/utils"
)

// ErrModelUnavailable means the classifier is running in degraded mode.
var ErrModelUnavailable = errors.New("image model unavailable")

// Classifier serves predictions from the most recently modified model file in
// a directory. Without a model it stays in degraded mode and answers every
// request with an error label instead of failing.
type Classifier struct {
	dir    string
	size   int
	logger *utils.Logger

	once    sync.Once
	mu      sync.RWMutex
	model   *Model
	path    string
	loadErr error
}

func NewClassifier(dir string, size int, logger *utils.Logger) *Classifier {
	if size <= 0 {
		size = DefaultImageSize
	}
	return &Classifier{dir: dir, size: size, logger: logger}
}

// Load reads the newest model on first use and reports the load error, if any.
func (c *Classifier) Load() error {
	c.once.Do(func() { _ = c.reload() })
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadErr
}

// Reload rescans the model directory, replacing the current model on success.
// On failure the previous model, if any, keeps serving.
func (c *Classifier) Reload() error {
	c.once.Do(func() {})
	return c.reload()
}

func (c *Classifier) reload() error {
	m, path, err := loadNewest(c.dir)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.model == nil {
			c.loadErr = err
			metrics.ModelLoaded.Set(0)
		}
		c.logger.Warn("Image model not loaded, classification degraded", "dir", c.dir, "error", err)
		return err
	}

	c.model, c.path, c.loadErr = m, path, nil
	metrics.ModelLoaded.Set(1)
	c.logger.Info("Image model loaded", "path", path, "labels", strings.Join(m.Labels, ","))
	return nil
}

func (c *Classifier) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model != nil
}

// ModelPath is the file the current model was loaded from.
func (c *Classifier) ModelPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Classify returns an error only for undecodable images. Degraded mode is
// reported in the returned value.
func (c *Classifier) Classify(r io.Reader) (models.Classification, error) {
	_ = c.Load()

	c.mu.RLock()
	m, loadErr := c.model, c.loadErr
	c.mu.RUnlock()

	size := c.size
	if m != nil {
		size = m.ImageSize
	}
	t, err := Preprocess(r, size)
	if err != nil {
		return models.Classification{}, err
	}

	if m == nil {
		msg := ErrModelUnavailable.Error()
		if loadErr != nil {
			msg = fmt.Sprintf("%s: %v", msg, loadErr)
		}
		return models.Classification{Label: "error", Confidence: 0, Error: msg}, nil
	}

	label, confidence := m.Predict(t)
	return models.Classification{Label: label, Confidence: confidence}, nil
}

func loadNewest(dir string) (*Model, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	var newest string
	var newestInfo os.FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ModelFileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newestInfo == nil || info.ModTime().After(newestInfo.ModTime()) {
			newest, newestInfo = filepath.Join(dir, e.Name()), info
		}
	}
	if newest == "" {
		return nil, "", fmt.Errorf("%w: no %s files in %s", ErrModelUnavailable, ModelFileSuffix, dir)
	}

	f, err := os.Open(newest)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer f.Close()

	m, err := DecodeModel(f)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s: %v", ErrModelUnavailable, newest, err)
	}
	return m, newest, nil
}

package vision

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
)

const (
	ModelFileSuffix = ".model.json"
	modelVersion    = 1
	defaultGrid     = 16
	// defaultSharpness scales distances before the softmax; RMS distances
	// between pooled images rarely exceed 0.3.
	defaultSharpness = 20.0
)

// Model is a nearest-centroid classifier over pooled image features.
type Model struct {
	Version   int         `json:"version"`
	Category  string      `json:"category"`
	ImageSize int         `json:"image_size"`
	Grid      int         `json:"grid"`
	Sharpness float64     `json:"sharpness"`
	Labels    []string    `json:"labels"`
	Samples   []int       `json:"samples"`
	Centroids [][]float64 `json:"centroids"`
	TrainedAt time.Time   `json:"trained_at"`
}

func (m *Model) validate() error {
	if m.Version != modelVersion {
		return fmt.Errorf("unsupported model version %d", m.Version)
	}
	if m.Grid <= 0 || m.ImageSize <= 0 {
		return errors.New("model grid and image size must be positive")
	}
	if len(m.Labels) == 0 || len(m.Labels) != len(m.Centroids) {
		return errors.New("model labels and centroids do not match")
	}
	dim := m.Grid * m.Grid * 3
	for i, c := range m.Centroids {
		if len(c) != dim {
			return fmt.Errorf("centroid %d has %d dims, want %d", i, len(c), dim)
		}
	}
	return nil
}

func DecodeModel(r io.Reader) (*Model, error) {
	var m Model
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	if m.Sharpness <= 0 {
		m.Sharpness = defaultSharpness
	}
	return &m, nil
}

func (m *Model) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(m)
}

// Predict returns the nearest label and a softmax confidence over negative
// centroid distances.
func (m *Model) Predict(t Tensor) (string, float64) {
	x := Features(t, m.Grid)

	scores := make([]float64, len(m.Centroids))
	best := 0
	for i, c := range m.Centroids {
		scores[i] = -rmsDistance(x, c) * m.Sharpness
		if scores[i] > scores[best] {
			best = i
		}
	}

	var total float64
	for _, s := range scores {
		total += math.Exp(s - scores[best])
	}
	return m.Labels[best], 1 / total
}

func rmsDistance(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(a)))
}

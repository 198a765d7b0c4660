package vision

import (
	"errors"
	"sort"
	"time"
)

var ErrNoTrainingData = errors.New("no training data found")

// Training data directories and the labels they map to.
var labelDirs = map[string]string{
	"good":   "normal",
	"defect": "defect",
}

var labelOrder = []string{"normal", "defect"}

// LabelForDir maps a training data directory name to a class label.
func LabelForDir(dir string) (string, bool) {
	l, ok := labelDirs[dir]
	return l, ok
}

// Trainer accumulates per-class feature sums.
type Trainer struct {
	grid   int
	sums   map[string][]float64
	counts map[string]int
}

func NewTrainer() *Trainer {
	return &Trainer{
		grid:   defaultGrid,
		sums:   make(map[string][]float64),
		counts: make(map[string]int),
	}
}

func (t *Trainer) Add(label string, x Tensor) {
	f := Features(x, t.grid)
	sum, ok := t.sums[label]
	if !ok {
		sum = make([]float64, len(f))
		t.sums[label] = sum
	}
	for i, v := range f {
		sum[i] += v
	}
	t.counts[label]++
}

func (t *Trainer) Samples() int {
	n := 0
	for _, c := range t.counts {
		n += c
	}
	return n
}

// Fit produces a model with one centroid per label seen.
func (t *Trainer) Fit(category string, imageSize int) (*Model, error) {
	if t.Samples() == 0 {
		return nil, ErrNoTrainingData
	}

	m := &Model{
		Version:   modelVersion,
		Category:  category,
		ImageSize: imageSize,
		Grid:      t.grid,
		Sharpness: defaultSharpness,
		TrainedAt: time.Now().UTC(),
	}
	for _, label := range orderedLabels(t.counts) {
		n := float64(t.counts[label])
		centroid := make([]float64, len(t.sums[label]))
		for i, v := range t.sums[label] {
			centroid[i] = v / n
		}
		m.Labels = append(m.Labels, label)
		m.Samples = append(m.Samples, t.counts[label])
		m.Centroids = append(m.Centroids, centroid)
	}
	return m, nil
}

func orderedLabels(counts map[string]int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, l := range labelOrder {
		if counts[l] > 0 {
			out = append(out, l)
			seen[l] = true
		}
	}
	var rest []string
	for l, c := range counts {
		if c > 0 && !seen[l] {
			rest = append(rest, l)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}

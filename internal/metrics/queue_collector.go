package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Depth is the number of tasks of one type sitting in one queue state.
type Depth struct {
	TaskType string
	Queue    string
	Value    int64
}

type DepthSource interface {
	Depths(ctx context.Context) ([]Depth, error)
}

type queueCollector struct {
	src    DepthSource
	logger *slog.Logger

	queueDepthDesc *prometheus.Desc
}

func newQueueCollector(src DepthSource, logger *slog.Logger) *queueCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &queueCollector{
		src:    src,
		logger: logger,
		queueDepthDesc: prometheus.NewDesc(
			namespace+"_queue_depth",
			"Current queue depth by task type and queue state.",
			[]string{"type", "queue"},
			nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepthDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	if c.src == nil {
		return
	}

	// Keep Redis reads bounded so scrapes do not hang.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	depths, err := c.src.Depths(ctx)
	if err != nil {
		c.logger.Warn("prometheus queue collector failed", "err", err)
		return
	}
	for _, d := range depths {
		m, err := prometheus.NewConstMetric(c.queueDepthDesc, prometheus.GaugeValue, float64(d.Value), d.TaskType, d.Queue)
		if err != nil {
			continue
		}
		ch <- m
	}
}

var registerQueueCollectorOnce sync.Once

func RegisterQueueCollector(src DepthSource, logger *slog.Logger) {
	registerQueueCollectorOnce.Do(func() {
		prometheus.MustRegister(newQueueCollector(src, logger))
	})
}

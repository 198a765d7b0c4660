package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type staticDepths struct {
	depths []Depth
	err    error
}

func (s staticDepths) Depths(ctx context.Context) ([]Depth, error) { return s.depths, s.err }

func collect(c prometheus.Collector) []prometheus.Metric {
	ch := make(chan prometheus.Metric, 16)
	c.Collect(ch)
	close(ch)
	var out []prometheus.Metric
	for m := range ch {
		out = append(out, m)
	}
	return out
}

func TestQueueCollectorEmitsDepths(t *testing.T) {
	c := newQueueCollector(staticDepths{depths: []Depth{
		{TaskType: "tabular_analysis", Queue: "ready", Value: 3},
		{TaskType: "model_training", Queue: "dlq", Value: 1},
	}}, nil)

	got := collect(c)
	if len(got) != 2 {
		t.Fatalf("expected 2 metrics, got %d", len(got))
	}

	var m dto.Metric
	if err := got[0].Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if m.GetGauge().GetValue() != 3 {
		t.Errorf("expected depth 3, got %v", m.GetGauge().GetValue())
	}
	labels := map[string]string{}
	for _, lp := range m.GetLabel() {
		labels[lp.GetName()] = lp.GetValue()
	}
	if labels["type"] != "tabular_analysis" || labels["queue"] != "ready" {
		t.Errorf("unexpected labels %v", labels)
	}
}

func TestQueueCollectorSkipsOnError(t *testing.T) {
	c := newQueueCollector(staticDepths{err: errors.New("redis down")}, nil)
	if got := collect(c); len(got) != 0 {
		t.Fatalf("expected no metrics on error, got %d", len(got))
	}
}

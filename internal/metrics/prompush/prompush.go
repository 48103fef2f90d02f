// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// A relocation run is a short-lived batch job, so metrics are pushed to a
// Pushgateway on Flush instead of being exposed on a scrape endpoint. All
// Prometheus-specific dependencies stay in this package.
package prompush

import (
	"fmt"

	"pefs/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group

	reg *prometheus.Registry

	stepCounter  *prometheus.CounterVec // pefs_step_total
	stepDuration *prometheus.SummaryVec // pefs_step_duration_seconds
	tableCounter *prometheus.CounterVec // pefs_tables_total
	byteCounter  *prometheus.CounterVec // pefs_bytes_total
}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName: the Pushgateway "job" name; "pefs" when empty.
// gatewayURL: base URL of the Pushgateway server.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "pefs"
	}

	reg := prometheus.NewRegistry()

	stepCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Cold-swap and workflow step executions, partitioned by op, step, and status.",
		},
		[]string{"op", "step", "status"},
	)
	stepDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       metrics.StepDurationSeconds,
			Help:       "Duration of steps in seconds, partitioned by op, step, and status.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		},
		[]string{"op", "step", "status"},
	)
	tableCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.TablesTotal,
			Help: "Tables per outcome (captured, replayed, copied, linked, failed).",
		},
		[]string{"op", "kind"},
	)
	byteCounter := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: metrics.BytesTotal,
			Help: "Heap bytes written into the relocation store.",
		},
		[]string{"op"},
	)

	for name, c := range map[string]prometheus.Collector{
		"step counter":  stepCounter,
		"step summary":  stepDuration,
		"table counter": tableCounter,
		"byte counter":  byteCounter,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}

	return &Backend{
		gatewayURL:   gatewayURL,
		jobName:      jobName,
		reg:          reg,
		stepCounter:  stepCounter,
		stepDuration: stepDuration,
		tableCounter: tableCounter,
		byteCounter:  byteCounter,
	}, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StepTotal:
		if b.stepCounter == nil {
			return
		}
		b.stepCounter.WithLabelValues(labels["op"], labels["step"], labels["status"]).Add(delta)

	case metrics.TablesTotal:
		if b.tableCounter == nil {
			return
		}
		b.tableCounter.WithLabelValues(labels["op"], labels["kind"]).Add(delta)

	case metrics.BytesTotal:
		if b.byteCounter == nil {
			return
		}
		b.byteCounter.WithLabelValues(labels["op"]).Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDurationSeconds || b.stepDuration == nil {
		return
	}
	b.stepDuration.WithLabelValues(labels["op"], labels["step"], labels["status"]).Observe(value)
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}

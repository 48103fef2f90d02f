// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from relocation runs.
//
// The package exposes a narrow interface (Backend) focused on counters and
// timing data. A global, pluggable backend defaults to a no-op implementation,
// so metrics are always safe to call even when no real backend is configured.
// Concrete metric systems live in subpackages (prompush, datadog).
//
// The primary use is instrumenting the cold-swap phases (drain, stop,
// drop_cache, protected, start) and the per-table work of the clone and link
// workflows.
package metrics

import "time"

// Metric names shared by all backends.
const (
	StepTotal           = "pefs_step_total"
	StepDurationSeconds = "pefs_step_duration_seconds"
	TablesTotal         = "pefs_tables_total"
	BytesTotal          = "pefs_bytes_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

// RecordStep records latency and success/failure of one phase of an
// operation ("clone", "link").
func RecordStep(op, step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}

	lbls := Labels{
		"op":     op,
		"step":   step,
		"status": status,
	}

	backend.IncCounter(StepTotal, 1, lbls)
	backend.ObserveHistogram(StepDurationSeconds, d.Seconds(), lbls)
}

// RecordTables counts tables that reached an outcome:
//   - "captured": definition written to the store (clone)
//   - "copied": heap copied into the store (clone)
//   - "replayed": definition executed on the target (link)
//   - "linked": heap replaced by a link into the store (link)
func RecordTables(op, kind string, delta int) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(TablesTotal, float64(delta), Labels{
		"op":   op,
		"kind": kind,
	})
}

// RecordBytes counts heap bytes written into the relocation store.
func RecordBytes(op string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(BytesTotal, float64(delta), Labels{
		"op": op,
	})
}

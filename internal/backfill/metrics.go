package backfill

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"twdata/internal/gather"
)

// runMetrics collects one run's counters into a private registry that is
// written out in node-exporter textfile format at the end of the run.
type runMetrics struct {
	registry *prometheus.Registry

	items    *prometheus.CounterVec
	gaps     *prometheus.CounterVec
	attempts *prometheus.CounterVec
	rows     *prometheus.CounterVec
	duration prometheus.Gauge
	lastRun  prometheus.Gauge
	failed   prometheus.Gauge
}

func newRunMetrics() *runMetrics {
	m := &runMetrics{
		registry: prometheus.NewRegistry(),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twdata_backfill_items_total",
			Help: "Entity/kind pairs processed, by terminal state.",
		}, []string{"kind", "state"}),
		gaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twdata_backfill_gaps_total",
			Help: "Gap dates by resolution.",
		}, []string{"kind", "resolution"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twdata_source_attempts_total",
			Help: "Adapter calls made by failover chains.",
		}, []string{"source", "status"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twdata_reconcile_rows_total",
			Help: "Rows reconciled, by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twdata_backfill_duration_seconds",
			Help: "Wall time of the last run.",
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twdata_backfill_last_run_timestamp_seconds",
			Help: "Unix time the last run finished.",
		}),
		failed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twdata_backfill_failed",
			Help: "1 when the last run hit a store or internal error.",
		}),
	}
	m.registry.MustRegister(m.items, m.gaps, m.attempts, m.rows, m.duration, m.lastRun, m.failed)
	return m
}

func (m *runMetrics) attempt(a gather.Attempt) {
	status := a.Status.String()
	if a.Rejected {
		status = "rejected"
	}
	m.attempts.WithLabelValues(a.Source, status).Inc()
}

func (m *runMetrics) observe(r EntityReport) {
	kind := string(r.Kind)
	m.items.WithLabelValues(kind, string(r.State)).Inc()
	m.gaps.WithLabelValues(kind, "fixed").Add(float64(r.Fixed))
	m.gaps.WithLabelValues(kind, "still_missing").Add(float64(r.StillMissing))
}

func (m *runMetrics) finish(s *Summary) {
	m.rows.WithLabelValues("inserted").Add(float64(s.Rows.Inserted))
	m.rows.WithLabelValues("updated").Add(float64(s.Rows.Updated))
	m.rows.WithLabelValues("unchanged").Add(float64(s.Rows.Unchanged))
	m.rows.WithLabelValues("rejected").Add(float64(s.Rows.Rejected))
	m.rows.WithLabelValues("rejected_worse").Add(float64(s.Rows.RejectedWorse))
	m.duration.Set(s.Finished.Sub(s.Started).Seconds())
	m.lastRun.Set(float64(s.Finished.Unix()))
	if s.Failed {
		m.failed.Set(1)
	} else {
		m.failed.Set(0)
	}
}

// writeTextfile atomically replaces path with the current metric values.
func (m *runMetrics) writeTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

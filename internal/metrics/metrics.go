// Package metrics exposes Prometheus collectors for extraction runs and for the
// scheduler that triggers them.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Run holds the gauges of one extraction run. A run is a short-lived process, so the
// values are pushed to a Pushgateway when it finishes.
type Run struct {
	reg *prometheus.Registry

	PagesFetched    prometheus.Gauge
	PagesFailed     prometheus.Gauge
	InvoicesFetched prometheus.Gauge
	InvoicesSkipped prometheus.Gauge
	RowsInserted    prometheus.Gauge
	RowsFailed      prometheus.Gauge
	Success         prometheus.Gauge
	LastSuccess     prometheus.Gauge
	Duration        prometheus.Gauge
	StepDuration    *prometheus.GaugeVec
}

// NewRun registers the run gauges on a fresh registry.
func NewRun() *Run {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Run{
		reg: reg,
		PagesFetched: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_extract_pages_fetched",
			Help: "Pages requested from the accounting API in the last run",
		}),
		PagesFailed: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_extract_pages_failed",
			Help: "Pages that exhausted their retry budget in the last run",
		}),
		InvoicesFetched: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_extract_invoices_fetched",
			Help: "Invoices returned by the accounting API in the last run",
		}),
		InvoicesSkipped: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_extract_invoices_skipped",
			Help: "Malformed invoices dropped by the transformer in the last run",
		}),
		RowsInserted: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_extract_rows_inserted",
			Help: "Line items committed to the store in the last run",
		}),
		RowsFailed: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_extract_rows_failed",
			Help: "Line items written to the failed-rows file in the last run",
		}),
		Success: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_extract_last_run_success",
			Help: "Whether the last run finished without failed rows",
		}),
		LastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_extract_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}),
		Duration: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_extract_duration_seconds",
			Help: "Wall time of the last run",
		}),
		StepDuration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "invoice_extract_step_duration_seconds",
			Help: "Wall time of each pipeline step in the last run",
		}, []string{"step"}),
	}
}

// Registry returns the registry the gauges live on.
func (r *Run) Registry() *prometheus.Registry {
	return r.reg
}

// ObserveStep records how long a pipeline step took.
func (r *Run) ObserveStep(step string, d time.Duration) {
	r.StepDuration.WithLabelValues(step).Set(d.Seconds())
}

// Finish records the outcome of the run.
func (r *Run) Finish(success bool, d time.Duration, now time.Time) {
	r.Duration.Set(d.Seconds())
	if success {
		r.Success.Set(1)
		r.LastSuccess.Set(float64(now.Unix()))
		return
	}
	r.Success.Set(0)
}

// Push sends the run gauges to the Pushgateway at url, grouped by job and run id.
func (r *Run) Push(ctx context.Context, url, job, runID string) error {
	err := push.New(url, job).
		Gatherer(r.reg).
		Grouping("run_id", runID).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("Push: pushing to %s: %w", url, err)
	}
	return nil
}

// Scheduler counts triggered runs and their durations.
type Scheduler struct {
	reg *prometheus.Registry

	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram
	NextRun     prometheus.Gauge
}

// NewScheduler registers the scheduler collectors, together with the Go runtime
// collectors, on a fresh registry.
func NewScheduler() *Scheduler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Scheduler{
		reg: reg,
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_scheduler_runs_total",
			Help: "Extraction runs triggered by the scheduler, by result",
		}, []string{"result"}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "invoice_scheduler_run_duration_seconds",
			Help:    "Wall time of extraction runs triggered by the scheduler",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),
		NextRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "invoice_scheduler_next_run_timestamp_seconds",
			Help: "Unix time of the next scheduled run",
		}),
	}
}

// ObserveRun records one finished run. result is "success" or "failure".
func (s *Scheduler) ObserveRun(result string, d time.Duration) {
	s.Runs.WithLabelValues(result).Inc()
	s.RunDuration.Observe(d.Seconds())
}

// Handler serves the scheduler registry.
func (s *Scheduler) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg})
}

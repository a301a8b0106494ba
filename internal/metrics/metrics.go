// Package metrics exposes the pipeline's Prometheus instruments.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tddf"

// Metrics holds every instrument, registered on one registry.
type Metrics struct {
	gatherer prometheus.Gatherer

	LinesTotal      *prometheus.CounterVec
	PendingLines    *prometheus.GaugeVec
	BatchDuration   prometheus.Histogram
	BatchSize       prometheus.Histogram
	RecordsInserted prometheus.Counter
	Transitions     *prometheus.CounterVec
	UploadsByPhase  *prometheus.GaugeVec
	PurgeObjects    *prometheus.CounterVec
	PurgeBytes      prometheus.Counter
	StorageOps      *prometheus.CounterVec
	TaskRuns        *prometheus.CounterVec
}

// New registers the instruments on reg. Tests pass prometheus.NewRegistry().
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		LinesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_total",
			Help:      "Raw lines finished by the batch processor",
		}, []string{"record_type", "status"}), // processed, skipped, error

		PendingLines: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_lines",
			Help:      "Raw lines waiting to be processed",
		}, []string{"record_type"}),

		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Time to process one claimed batch",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~163s
		}),

		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size_lines",
			Help:      "Lines per claimed batch",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 12), // 10 to ~40k
		}),

		RecordsInserted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_inserted_total",
			Help:      "Decoded records written to the ingestion store",
		}),

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_transitions_total",
			Help:      "Upload phase transitions",
		}, []string{"to"}),

		UploadsByPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uploads",
			Help:      "Live uploads per phase",
		}, []string{"phase"}),

		PurgeObjects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purge_objects_total",
			Help:      "Objects handled by purge runs",
		}, []string{"result"}), // purged, failed

		PurgeBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purge_bytes_total",
			Help:      "Bytes reclaimed by purge runs",
		}),

		StorageOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Object storage calls",
		}, []string{"operation", "status"}),

		TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Scheduled task executions",
		}, []string{"task", "status"}),
	}
}

// NewDefault registers on a fresh registry that also carries the Go and
// process collectors.
func NewDefault() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveBatch records one finished batch.
func (m *Metrics) ObserveBatch(start time.Time, lines int) {
	m.BatchDuration.Observe(time.Since(start).Seconds())
	m.BatchSize.Observe(float64(lines))
}

// StorageOp counts one storage call.
func (m *Metrics) StorageOp(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StorageOps.WithLabelValues(operation, status).Inc()
}

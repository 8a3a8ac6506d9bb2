// Package metrics exposes Prometheus collectors for the stream session
// lifecycle: worker pool occupancy, admission outcomes, registry activity,
// and stream buffer volume.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors. Each instance carries its own registry so
// tests can construct a fresh one without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	// PoolWorkers tracks current workers by state. Labels: state (idle|busy)
	PoolWorkers *prometheus.GaugeVec

	// QueueDepth is the current number of queued admission requests.
	QueueDepth prometheus.Gauge

	// Admissions counts admission outcomes.
	// Labels: outcome (admitted|queued|rejected), reason
	Admissions *prometheus.CounterVec

	// Evictions counts idle-worker evictions and reclamations.
	// Labels: reason (lru|idle|max_age|orphan)
	Evictions *prometheus.CounterVec

	// RegistryEntries is the current number of live cancellation entries.
	RegistryEntries prometheus.Gauge

	// Cancellations counts registry cancel outcomes.
	// Labels: source (user|reaper), outcome (cancelled|not_found|unauthorized|error)
	Cancellations *prometheus.CounterVec

	// BufferedChunks counts chunks appended to stream buffers.
	BufferedChunks prometheus.Counter

	// BuffersDiscarded counts buffers removed by ack or retention GC.
	// Labels: reason (acknowledged|expired)
	BuffersDiscarded *prometheus.CounterVec

	// JournalErrors counts best-effort journal write failures.
	JournalErrors prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		PoolWorkers: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "streamd_pool_workers",
				Help: "Current workers in the pool by state",
			},
			[]string{"state"},
		),

		QueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "streamd_queue_depth",
				Help: "Current number of queued admission requests",
			},
		),

		Admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamd_admissions_total",
				Help: "Admission outcomes by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),

		Evictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamd_evictions_total",
				Help: "Worker evictions and reclamations by reason",
			},
			[]string{"reason"},
		),

		RegistryEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "streamd_registry_entries",
				Help: "Current live cancellation registry entries",
			},
		),

		Cancellations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamd_cancellations_total",
				Help: "Cancellation outcomes by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		BufferedChunks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "streamd_buffered_chunks_total",
				Help: "Total chunks appended to stream buffers",
			},
		),

		BuffersDiscarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "streamd_buffers_discarded_total",
				Help: "Stream buffers discarded by reason",
			},
			[]string{"reason"},
		),

		JournalErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "streamd_journal_errors_total",
				Help: "Best-effort journal write failures",
			},
		),
	}
}

// Handler returns an HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

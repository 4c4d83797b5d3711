// Package metrics provides Prometheus metrics for the correction log, the
// workup sync engine and the local API.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Sync record outcome labels.
const (
	OutcomePushed   = "pushed"
	OutcomeCreated  = "created"
	OutcomePulled   = "pulled"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
	OutcomeSynced   = "synced"
)

// Pass status labels.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Metrics holds every collector exported by the daemon. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	correctionsAppended prometheus.Counter
	correctionsEvicted  prometheus.Counter
	correctionsStored   prometheus.Gauge
	storeFailures       *prometheus.CounterVec

	syncPasses       *prometheus.CounterVec
	syncPassDuration prometheus.Histogram
	syncRecords      *prometheus.CounterVec

	notionRequests *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
}

// New creates the collectors and registers them on registry.
func New(registry prometheus.Registerer) (*Metrics, error) {
	m := newMetrics()
	if registry != nil {
		if err := registry.Register(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func newMetrics() *Metrics {
	return &Metrics{
		correctionsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "operatorsync_corrections_appended_total",
			Help: "Total number of ASR corrections appended to the log",
		}),
		correctionsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "operatorsync_corrections_evicted_total",
			Help: "Total number of corrections removed by eviction",
		}),
		correctionsStored: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "operatorsync_corrections_stored",
			Help: "Number of corrections currently held in the log",
		}),
		storeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "operatorsync_store_failures_total",
			Help: "Total number of failed durable store operations",
		}, []string{"collection", "operation"}),
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "operatorsync_sync_passes_total",
			Help: "Total number of reconciliation passes",
		}, []string{"status"}),
		syncPassDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "operatorsync_sync_pass_duration_seconds",
			Help:    "Time taken by a reconciliation pass",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		syncRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "operatorsync_sync_records_total",
			Help: "Per-record reconciliation outcomes",
		}, []string{"outcome"}),
		notionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "operatorsync_notion_requests_total",
			Help: "Total number of requests sent to the Notion API",
		}, []string{"method", "status_code"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "operatorsync_http_requests_total",
			Help: "Total number of local API requests",
		}, []string{"method", "route", "status_code"}),
	}
}

// Describe implements the Collector interface
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.correctionsAppended.Describe(ch)
	m.correctionsEvicted.Describe(ch)
	m.correctionsStored.Describe(ch)
	m.storeFailures.Describe(ch)
	m.syncPasses.Describe(ch)
	m.syncPassDuration.Describe(ch)
	m.syncRecords.Describe(ch)
	m.notionRequests.Describe(ch)
	m.httpRequests.Describe(ch)
}

// Collect implements the Collector interface
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.correctionsAppended.Collect(ch)
	m.correctionsEvicted.Collect(ch)
	m.correctionsStored.Collect(ch)
	m.storeFailures.Collect(ch)
	m.syncPasses.Collect(ch)
	m.syncPassDuration.Collect(ch)
	m.syncRecords.Collect(ch)
	m.notionRequests.Collect(ch)
	m.httpRequests.Collect(ch)
}

func (m *Metrics) RecordCorrectionAppended(stored int) {
	if m == nil {
		return
	}
	m.correctionsAppended.Inc()
	m.correctionsStored.Set(float64(stored))
}

func (m *Metrics) RecordCorrectionsEvicted(n, stored int) {
	if m == nil {
		return
	}
	if n > 0 {
		m.correctionsEvicted.Add(float64(n))
	}
	m.correctionsStored.Set(float64(stored))
}

func (m *Metrics) RecordStoreFailure(collection, operation string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(collection, operation).Inc()
}

func (m *Metrics) RecordSyncPass(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.syncPasses.WithLabelValues(status).Inc()
	if status != StatusSkipped {
		m.syncPassDuration.Observe(duration.Seconds())
	}
}

func (m *Metrics) RecordSyncRecord(outcome string) {
	if m == nil {
		return
	}
	m.syncRecords.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordNotionRequest(method string, statusCode int) {
	if m == nil {
		return
	}
	m.notionRequests.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route string, statusCode int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
}

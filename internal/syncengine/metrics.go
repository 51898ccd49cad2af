package syncengine

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	deliveries        *prometheus.CounterVec
	translations      *prometheus.CounterVec
	reconcileItems    *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	queueDepth        prometheus.GaugeFunc
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_webhook_deliveries_total",
			Help: "Inbound webhook deliveries by source and outcome.",
		}, []string{"source", "outcome"}),
		translations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_translations_total",
			Help: "Translated webhook events by kind, field and result.",
		}, []string{"kind", "field", "result"}),
		reconcileItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaysync_reconcile_items_total",
			Help: "Reconciled registry records by kind and result.",
		}, []string{"kind", "result"}),
		reconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relaysync_reconcile_duration_seconds",
			Help:    "Wall-clock duration of reconcile runs.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"kind"}),
	}
	registry.MustRegister(
		m.deliveries,
		m.translations,
		m.reconcileItems,
		m.reconcileDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterQueueDepth exposes the worker queue length as a gauge.
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	if m == nil || depth == nil || m.queueDepth != nil {
		return
	}
	m.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "relaysync_job_queue_depth",
		Help: "Jobs waiting for a worker.",
	}, func() float64 { return float64(depth()) })
	m.registry.MustRegister(m.queueDepth)
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDelivery(source, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) observeTranslation(kind RecordKind, field, result string) {
	if m == nil {
		return
	}
	m.translations.WithLabelValues(string(kind), field, result).Inc()
}

func (m *Metrics) observeReconcileItem(kind RecordKind, result string) {
	if m == nil {
		return
	}
	m.reconcileItems.WithLabelValues(string(kind), result).Inc()
}

func (m *Metrics) observeReconcileDuration(kind RecordKind, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcileDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

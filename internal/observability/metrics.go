// Package observability holds the Prometheus metrics, the health endpoint,
// the storage-degraded flag and operator alerts.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	// ingest / dispatch
	EventsIngested   *prometheus.CounterVec
	EventsMalformed  prometheus.Counter
	EventsDispatched *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	HandlerPanics    prometheus.Counter
	QueueDepth       prometheus.Gauge
	DeferredNotices  prometheus.Gauge

	// errors
	TransportErrors *prometheus.CounterVec
	StorageErrors   prometheus.Counter
	Degraded        prometheus.Gauge

	// settlement
	VerificationPasses   *prometheus.CounterVec
	TransactionsRecorded *prometheus.CounterVec
	WagersSettled        prometheus.Counter

	// round
	RoundPhase        *prometheus.GaugeVec
	RoundsResolved    *prometheus.CounterVec
	BroadcastMessages *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wagerbot_events_ingested_total",
			Help: "Inbound updates decoded and queued",
		}, []string{"kind"}),

		EventsMalformed: f.NewCounter(prometheus.CounterOpts{
			Name: "wagerbot_events_malformed_total",
			Help: "Inbound updates dropped because they could not be decoded",
		}),

		EventsDispatched: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wagerbot_events_dispatched_total",
			Help: "Events handled by the dispatcher",
		}, []string{"kind"}),

		DispatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "wagerbot_dispatch_duration_seconds",
			Help:    "Time to handle one event",
			Buckets: prometheus.DefBuckets,
		}),

		HandlerPanics: f.NewCounter(prometheus.CounterOpts{
			Name: "wagerbot_handler_panics_total",
			Help: "Panics recovered while handling an event",
		}),

		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "wagerbot_queue_depth",
			Help: "Events waiting in the shared queue",
		}),

		DeferredNotices: f.NewGauge(prometheus.GaugeOpts{
			Name: "wagerbot_deferred_notifications",
			Help: "Settlement notifications held until the user leaves the wager flow",
		}),

		TransportErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wagerbot_transport_errors_total",
			Help: "Messaging transport failures",
		}, []string{"op"}),

		StorageErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "wagerbot_storage_errors_total",
			Help: "Ledger operations that failed",
		}),

		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "wagerbot_degraded",
			Help: "1 while new wagers are refused because storage is failing",
		}),

		VerificationPasses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wagerbot_verification_passes_total",
			Help: "Settlement verification passes",
		}, []string{"result"}),

		TransactionsRecorded: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wagerbot_transactions_recorded_total",
			Help: "New settlement transactions stored",
		}, []string{"expected_amount"}),

		WagersSettled: f.NewCounter(prometheus.CounterOpts{
			Name: "wagerbot_wagers_settled_total",
			Help: "Wagers matched to a settlement transaction",
		}),

		RoundPhase: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wagerbot_round_phase",
			Help: "1 for the current round phase",
		}, []string{"phase"}),

		RoundsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wagerbot_rounds_resolved_total",
			Help: "Rounds resolved by winning side",
		}, []string{"winner"}),

		BroadcastMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "wagerbot_broadcast_messages_total",
			Help: "Broadcast messages by kind and result",
		}, []string{"kind", "result"}),
	}
}

// SetPhase marks phase as the current round phase.
func (m *Metrics) SetPhase(phase string, all []string) {
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.RoundPhase.WithLabelValues(p).Set(v)
	}
}

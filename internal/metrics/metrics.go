package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// checkout
	IntentsCreated    prometheus.Counter
	IntentsRejected   *prometheus.CounterVec // reason
	RateLimited       prometheus.Counter
	RateLimitFailOpen prometheus.Counter

	// webhook and order transaction
	WebhookEvents     *prometheus.CounterVec // type
	OrdersCreated     prometheus.Counter
	OrdersDuplicate   prometheus.Counter
	OrderTxLatencySec prometheus.Histogram
	ChangelogAppended prometheus.Counter

	// notifications
	Notifications  *prometheus.CounterVec // kind, status
	NotifyQueueLen prometheus.Gauge

	// backup / restore
	Applied            prometheus.Counter
	Skipped            prometheus.Counter
	TTRSec             prometheus.Gauge
	ReplayBytes        prometheus.Counter
	LastManifestAgeSec prometheus.Gauge
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	intents := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_intents_created_total"})
	rejected := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "storefront_intents_rejected_total"}, []string{"reason"})
	limited := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_ratelimit_rejected_total"})
	failOpen := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_ratelimit_fail_open_total"})

	events := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "storefront_webhook_events_total"}, []string{"type"})
	created := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_orders_created_total"})
	dup := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_orders_duplicate_total"})
	txLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "storefront_order_tx_latency_seconds",
		Buckets: prometheus.DefBuckets,
	})
	changelogAppended := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_changelog_appended_total"})

	notifications := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "storefront_notifications_total"}, []string{"kind", "status"})
	queueLen := prometheus.NewGauge(prometheus.GaugeOpts{Name: "storefront_notify_queue_length"})

	applied := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_restore_applied_total"})
	skipped := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_restore_skipped_total"})
	ttr := prometheus.NewGauge(prometheus.GaugeOpts{Name: "storefront_restore_ttr_seconds"})
	replayBytes := prometheus.NewCounter(prometheus.CounterOpts{Name: "storefront_restore_replay_bytes_total"})
	lastAge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "storefront_last_manifest_age_seconds"})

	r.MustRegister(intents, rejected, limited, failOpen, events, created, dup, txLatency, changelogAppended,
		notifications, queueLen, applied, skipped, ttr, replayBytes, lastAge)
	return &Registry{
		reg:                r,
		IntentsCreated:     intents,
		IntentsRejected:    rejected,
		RateLimited:        limited,
		RateLimitFailOpen:  failOpen,
		WebhookEvents:      events,
		OrdersCreated:      created,
		OrdersDuplicate:    dup,
		OrderTxLatencySec:  txLatency,
		ChangelogAppended:  changelogAppended,
		Notifications:      notifications,
		NotifyQueueLen:     queueLen,
		Applied:            applied,
		Skipped:            skipped,
		TTRSec:             ttr,
		ReplayBytes:        replayBytes,
		LastManifestAgeSec: lastAge,
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }

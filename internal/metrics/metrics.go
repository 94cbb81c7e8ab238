// Package metrics exposes the pipeline's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the shared instrumentation handle. One instance per
// process, registered on the default registry.
type Metrics struct {
	EventsIngested   *prometheus.CounterVec
	EventsRejected   *prometheus.CounterVec
	PublishLatency   prometheus.Histogram
	PublishFailures  prometheus.Counter
	RateLimitHits    *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
	EventsProcessed  prometheus.Counter
	EventsDeduped    prometheus.Counter
	EnrichLatency    prometheus.Histogram
	EnrichFailures   *prometheus.CounterVec
	EventsArchived   prometheus.Counter
	ArchiveFailures  prometheus.Counter
	EventsIndexed    prometheus.Counter
	IndexFailures    prometheus.Counter
	AlertsRaised     *prometheus.CounterVec
	NotifyFailures   *prometheus.CounterVec
	PlaybookRuns     *prometheus.CounterVec
	PlaybookDuration prometheus.Histogram
	WebhookDispatch  *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		EventsIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libresiem_events_ingested_total",
			Help: "Events accepted at the HTTP edge, by endpoint.",
		}, []string{"endpoint"}),
		EventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libresiem_events_rejected_total",
			Help: "Events rejected at the HTTP edge, by reason.",
		}, []string{"reason"}),
		PublishLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "libresiem_publish_duration_seconds",
			Help:    "Time from enqueue to broker acknowledgement.",
			Buckets: prometheus.DefBuckets,
		}),
		PublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "libresiem_publish_failures_total",
			Help: "Events that failed broker delivery.",
		}),
		RateLimitHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libresiem_rate_limit_hits_total",
			Help: "Requests rejected by the rate limiter, by dimension.",
		}, []string{"dimension"}),
		AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libresiem_auth_failures_total",
			Help: "Authentication and authorization failures, by kind.",
		}, []string{"kind"}),
		EventsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "libresiem_events_processed_total",
			Help: "Events consumed and fully processed.",
		}),
		EventsDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "libresiem_events_deduplicated_total",
			Help: "Events suppressed by the duplicate window.",
		}),
		EnrichLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "libresiem_enrichment_duration_seconds",
			Help:    "Wall time of the parallel enrichment fan-out.",
			Buckets: prometheus.DefBuckets,
		}),
		EnrichFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libresiem_enrichment_failures_total",
			Help: "Enrichment lookups that failed, by provider.",
		}, []string{"provider"}),
		EventsArchived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "libresiem_events_archived_total",
			Help: "Events written to cold storage.",
		}),
		ArchiveFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "libresiem_archive_failures_total",
			Help: "Best-effort archive writes that failed.",
		}),
		EventsIndexed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "libresiem_events_indexed_total",
			Help: "Events stored in the search index.",
		}),
		IndexFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "libresiem_index_failures_total",
			Help: "Index writes that failed (message left uncommitted).",
		}),
		AlertsRaised: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libresiem_alerts_raised_total",
			Help: "Alerts produced by the detection engine, by severity.",
		}, []string{"severity"}),
		NotifyFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libresiem_notification_failures_total",
			Help: "Alert channel deliveries that failed, by channel.",
		}, []string{"channel"}),
		PlaybookRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libresiem_playbook_runs_total",
			Help: "Playbook executions, by outcome.",
		}, []string{"outcome"}),
		PlaybookDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "libresiem_playbook_duration_seconds",
			Help:    "Playbook wall time including all actions.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
		WebhookDispatch: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "libresiem_webhook_deliveries_total",
			Help: "Webhook fan-out deliveries, by outcome.",
		}, []string{"outcome"}),
	}
}

// ObservePublish records one producer round trip.
func (m *Metrics) ObservePublish(start time.Time, err error) {
	m.PublishLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		m.PublishFailures.Inc()
	}
}

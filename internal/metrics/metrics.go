// Package metrics exposes the operator-facing counters and gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_webhooks_received_total",
		Help: "Webhook events accepted, by module.",
	}, []string{"module"})

	DedupHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_dedup_hits_total",
		Help: "Webhook payload replays short-circuited by dedup, by module.",
	}, []string{"module"})

	ConflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_conflicts_total",
		Help: "Sync conflicts recorded, by module and kind.",
	}, []string{"module", "kind"})

	RecordsUpserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_records_upserted_total",
		Help: "Mirrored record writes committed, by module and source.",
	}, []string{"module", "source"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crmsync_queue_depth",
		Help: "Messages waiting or in flight on the event queue.",
	})

	DeadLetters = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crmsync_dead_letters_total",
		Help: "Messages moved to the dead-letter table.",
	})

	DeliveriesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_deliveries_total",
		Help: "Digest deliveries by terminal state.",
	}, []string{"state"})

	ClarificationsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crmsync_clarifications_total",
		Help: "Clarification sessions opened, by ambiguity kind.",
	}, []string{"kind"})
)

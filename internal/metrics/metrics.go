// Package metrics declares the Prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slawatch_events_ingested_total",
		Help: "Raw events folded into tracked items, by source and outcome.",
	}, []string{"source", "result"})

	IngestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slawatch_ingest_errors_total",
		Help: "Raw events that could not be stored.",
	}, []string{"source"})

	PollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slawatch_poll_errors_total",
		Help: "Failed source polls.",
	}, []string{"source"})

	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slawatch_poll_duration_seconds",
		Help:    "Duration of source polls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	ActionsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slawatch_actions_fired_total",
		Help: "Escalation actions delivered and recorded.",
	}, []string{"policy", "level", "action_kind"})

	ActionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slawatch_action_failures_total",
		Help: "Failed escalation notification attempts.",
	}, []string{"policy", "action_kind"})

	NotificationFailing = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slawatch_notification_failing_total",
		Help: "Items flagged after exhausting notification attempts.",
	})

	ItemsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slawatch_items_resolved_total",
		Help: "Tracked items closed, by reason.",
	}, []string{"reason"})

	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slawatch_escalation_tick_duration_seconds",
		Help:    "Duration of escalation ticks.",
		Buckets: prometheus.DefBuckets,
	})

	OpenItems = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "slawatch_open_items",
		Help: "Open tracked items seen by the last escalation tick.",
	})

	DedupPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slawatch_dedup_pruned_total",
		Help: "Dedup records removed by retention pruning.",
	})
)

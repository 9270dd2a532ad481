package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hallwatch_events_accepted_total",
		Help: "Total number of detection events admitted by intake.",
	})

	EventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hallwatch_events_rejected_total",
		Help: "Total number of detection events rejected by intake, labelled by reason.",
	}, []string{"reason"})

	GroupsFormed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hallwatch_groups_formed_total",
		Help: "Total number of correlated groups frozen, labelled by group kind.",
	}, []string{"kind"})

	AlertsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hallwatch_alerts_created_total",
		Help: "Total number of alerts created, labelled by tier and rule.",
	}, []string{"tier", "rule"})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hallwatch_alerts_suppressed_total",
		Help: "Total number of alerts recorded muted by a cool-down.",
	})

	AlertsDeferred = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hallwatch_alerts_deferred",
		Help: "Alerts waiting for an invigilator assignment.",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hallwatch_alert_transitions_total",
		Help: "Total number of alert state transitions, labelled by action.",
	}, []string{"action"})

	Outcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hallwatch_alert_outcomes_total",
		Help: "Closed alerts, labelled by outcome and target kind.",
	}, []string{"outcome", "kind"})

	BreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hallwatch_breaker_trips_total",
		Help: "Sessions switched to reduced sensitivity by the false-positive breaker.",
	})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hallwatch_deliveries_total",
		Help: "Channel delivery attempts, labelled by channel and status.",
	}, []string{"channel", "status"})

	DetectionToAlert = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hallwatch_detection_to_alert_seconds",
		Help:    "Latency from the triggering event's timestamp to alert creation.",
		Buckets: []float64{1, 2.5, 5, 6, 7.5, 10, 15, 30, 60},
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hallwatch_active_sessions",
		Help: "Exam sessions currently running.",
	})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hallwatch_dispatch_queue_utilization_ratio",
		Help: "Current dispatch queue utilization (0–1).",
	})
)

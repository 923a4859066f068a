// Package metrics holds the Prometheus collectors exported by phaseline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "phaseline"

var (
	PhaseAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_attempts_total",
			Help:      "Phase attempts by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time from dispatch to terminal job status",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"phase"},
	)

	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended by kind",
		},
		[]string{"kind"},
	)

	AppendConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_append_conflicts_total",
			Help:      "Version conflicts hit while appending events",
		},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per actor (0=closed, 1=open, 2=half-open)",
		},
		[]string{"actor"},
	)

	EscalationsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalations_waiting",
			Help:      "Escalations currently waiting, by type",
		},
		[]string{"type"},
	)

	ConsultationsDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consultations_denied_total",
			Help:      "Agent consultations rejected by the pair limiter",
		},
		[]string{"from", "to", "reason"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Notification deliveries that failed, by notifier",
		},
		[]string{"notifier"},
	)

	WorkflowResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_results_total",
			Help:      "Orchestrator loop exits by result",
		},
		[]string{"result"},
	)
)

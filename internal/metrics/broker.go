package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive counts connected websocket sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sessions_active",
			Help:      "Number of connected realtime sessions.",
		},
	)

	// BroadcastsTotal counts frames queued to sessions, by event name.
	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "broadcasts_total",
			Help:      "Frames delivered to session send queues.",
		},
		[]string{"event"},
	)

	// MutationsTotal counts cell mutations by outcome.
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "mutations_total",
			Help:      "Cell mutations processed, by result.",
		},
		[]string{"result"},
	)

	// MutationsDropped counts mutations abandoned before reaching the engine.
	MutationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "mutations_dropped_total",
			Help:      "Cell mutations dropped, by reason.",
		},
		[]string{"reason"},
	)

	// RecomputeCells observes how many cells one mutation changed.
	RecomputeCells = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "recompute_cells",
			Help:      "Cells changed by a single mutation, including the written cell.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// FramesDropped counts frames discarded because a session queue was full.
	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because a session send queue was full.",
		},
	)

	// BreakerState exposes the persistence circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "persistence_breaker_state",
			Help:      "Persistence circuit breaker state: 0 closed, 1 open, 2 half-open.",
		},
	)

	// PluginNotifications counts change notifications by outcome.
	PluginNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "plugin_notifications_total",
			Help:      "Change notifications sent to plugins, by result.",
		},
		[]string{"result"},
	)
)

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleconsult_session_state_transitions_total",
		Help: "Connection state machine transitions by event and edge.",
	}, []string{"event", "from", "to"})

	metricConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "teleconsult_session_connect_attempts_total",
		Help: "Connect attempts by outcome and transport mode.",
	}, []string{"outcome", "mode"})

	metricActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "teleconsult_session_active",
		Help: "Number of currently connected consultation sessions.",
	})

	metricSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "teleconsult_session_duration_seconds",
		Help:    "Wall-clock duration of connected sessions.",
		Buckets: prometheus.ExponentialBuckets(30, 2, 8),
	})
)

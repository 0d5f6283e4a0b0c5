package voice

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_sessions_active",
		Help: "Number of live voice drill sessions.",
	})

	metricSessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_session_duration_seconds",
		Help:    "Completed voice session durations.",
		Buckets: []float64{30, 60, 120, 300, 600, 900, 1500, 1800},
	})

	// MetricSessionsTotal counts finalized sessions by how they ended.
	MetricSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_sessions_total",
		Help: "Finalized voice sessions by end reason.",
	}, []string{"reason"})
)

// End reasons for MetricSessionsTotal.
const (
	EndReasonClient  = "client"
	EndReasonAgent   = "agent"
	EndReasonTimeout = "timeout"
	EndReasonError   = "error"
)

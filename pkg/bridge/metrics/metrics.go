package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vai_bridge_active_sessions",
			Help: "Number of bridged calls currently running",
		},
	)

	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vai_bridge_sessions_total",
			Help: "Total number of client sessions opened, by kind",
		},
		[]string{"kind"},
	)

	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vai_bridge_disconnects_total",
			Help: "Total number of disconnect messages sent to clients, by reason",
		},
		[]string{"reason"},
	)

	AudioBytesPaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vai_bridge_audio_bytes_paced_total",
			Help: "Total bytes of audio delivered to clients",
		},
	)

	AudioBytesDiscarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vai_bridge_audio_bytes_discarded_total",
			Help: "Total bytes of audio dropped before delivery",
		},
	)

	Interruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vai_bridge_interruptions_total",
			Help: "Total number of upstream interruption signals handled",
		},
	)

	UpstreamConnectFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vai_bridge_upstream_connect_failures_total",
			Help: "Total number of failed upstream connect or config attempts",
		},
	)

	UpstreamConnectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vai_bridge_upstream_connect_duration_seconds",
			Help:    "Time to dial and configure the upstream session",
			Buckets: prometheus.DefBuckets,
		},
	)

	InboundFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vai_bridge_inbound_frames_dropped_total",
			Help: "Total number of client audio frames dropped by the inbound rate limit",
		},
	)
)

// Package metrics holds the Prometheus collectors shared by the pipeline components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "weatherstation"

var (
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "messages_received_total",
		Help:      "Messages delivered by the MQTT subscription.",
	})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "messages_dropped_total",
		Help:      "Messages dropped before ingest, by reason.",
	}, []string{"reason"})

	PointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "points_written_total",
		Help:      "Points successfully written to InfluxDB.",
	})

	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "write_duration_seconds",
		Help:      "Time spent in the ingest client per message, retries included.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "reconnects_total",
		Help:      "Connection attempts that failed or sessions that were lost.",
	})

	RunnerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runner",
		Name:      "state",
		Help:      "Current runner state: 0 disconnected, 1 connecting, 2 subscribed.",
	})

	PollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "poll_failures_total",
		Help:      "Latest-value polls that failed and served the previous snapshot.",
	})

	SnapshotSources = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reader",
		Name:      "snapshot_sources",
		Help:      "Number of sources in the current snapshot.",
	})

	MirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hotcache",
		Name:      "mirror_failures_total",
		Help:      "Failed writes of the latest record to the hot cache.",
	})
)

// Drop reasons used with MessagesDropped.
const (
	ReasonDecode     = "decode"
	ReasonIngest     = "ingest"
	ReasonQueueFull  = "queue_full"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

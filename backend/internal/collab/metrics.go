package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "operations_total",
		Help:      "Submitted operations by result code (ok or error code).",
	}, []string{"result"})

	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Name:      "submit_duration_seconds",
		Help:      "Time spent inside Submit, including lock wait.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .2, .5},
	})

	transformChainLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "collab",
		Name:      "transform_chain_length",
		Help:      "Number of committed operations a submission was transformed against.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "active_sessions",
		Help:      "Sessions currently held in memory.",
	})

	broadcastOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "broadcast_overflows_total",
		Help:      "Subscribers disconnected because their outbound queue was full.",
	})

	presenceDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "presence_dropped_total",
		Help:      "Presence updates dropped as stale.",
	})

	snapshotsPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "snapshots_persisted_total",
		Help:      "Snapshot persistence attempts by result.",
	}, []string{"result"})

	kafkaEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "kafka_events_dropped_total",
		Help:      "OP_APPLIED events that never reached Kafka.",
	}, []string{"reason"})
)

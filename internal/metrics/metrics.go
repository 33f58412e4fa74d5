package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTracked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anonsdk_events_tracked_total",
		Help: "Total number of events appended to the pending queue, labelled by event type.",
	}, []string{"event_type"})

	EventsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anonsdk_events_suppressed_total",
		Help: "Total number of track calls that produced no event, labelled by reason.",
	}, []string{"reason"})

	EventsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonsdk_events_discarded_total",
		Help: "Total number of queued events discarded by a consent revocation.",
	})

	PropertiesStripped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonsdk_properties_stripped_total",
		Help: "Total number of denylisted or unencodable properties removed before queueing.",
	})

	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonsdk_events_delivered_total",
		Help: "Total number of events confirmed by the collector.",
	})

	Flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anonsdk_flushes_total",
		Help: "Total number of flush attempts, labelled by outcome.",
	}, []string{"status"})

	FlushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anonsdk_flush_duration_ms",
		Help:    "Network round trip of a flush in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "anonsdk_queue_depth",
		Help: "Number of events waiting for delivery.",
	})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anonsdk_storage_errors_total",
		Help: "Total number of storage adapter failures, labelled by operation.",
	}, []string{"op"})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonsdk_sessions_started_total",
		Help: "Total number of sessions started, including renewals.",
	})
)

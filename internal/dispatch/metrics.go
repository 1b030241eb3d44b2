package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "smsflow"

var (
	messagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Total messages processed by priority and outcome",
		},
		[]string{"priority", "status"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "send_duration_seconds",
			Help:      "Time to complete one provider send",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"priority"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Jobs waiting per priority queue",
		},
		[]string{"priority"},
	)

	queueDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_dropped_total",
			Help:      "Queue entries dropped without processing",
		},
		[]string{"reason"},
	)

	rateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "rate_limited_total",
			Help:      "Sends rejected by the rate limiter per window",
		},
		[]string{"window"},
	)

	deliveriesTracked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_tracked_total",
			Help:      "Delivery status checks by mapped result",
		},
		[]string{"result"},
	)

	campaignsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "campaigns_processed_total",
			Help:      "Bulk campaigns expanded into per-recipient sends",
		},
	)
)

func recordMessage(priority, status string) {
	messagesSent.WithLabelValues(priority, status).Inc()
}

func recordSendDuration(priority string, d time.Duration) {
	sendDuration.WithLabelValues(priority).Observe(d.Seconds())
}

// RecordQueueDropped counts a queue entry dropped without processing.
// Exported because the queue store drops malformed entries at decode time.
func RecordQueueDropped(reason string) {
	queueDropped.WithLabelValues(reason).Inc()
}

func recordRateLimited(window string) {
	rateLimited.WithLabelValues(window).Inc()
}

func recordDeliveryTracked(result string) {
	deliveriesTracked.WithLabelValues(result).Inc()
}

// RecordQueueDepth updates the queue depth gauge for a priority class.
func RecordQueueDepth(priority string, depth int64) {
	queueDepth.WithLabelValues(priority).Set(float64(depth))
}

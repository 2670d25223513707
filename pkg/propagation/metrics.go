package propagation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "receptor",
		Subsystem: "propagation",
		Name:      "deliveries_total",
		Help:      "Delivery attempts by outcome.",
	}, []string{"outcome"})

	deliveryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "receptor",
		Subsystem: "propagation",
		Name:      "delivery_duration_seconds",
		Help:      "Wall time of one delivery attempt.",
		Buckets:   prometheus.DefBuckets,
	})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "receptor",
		Subsystem: "propagation",
		Name:      "queue_depth",
		Help:      "Deliveries per status.",
	}, []string{"status"})
)

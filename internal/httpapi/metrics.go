package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts gate outcomes. Registered on the server's registry and
// exposed on the optional metrics listener.
type Metrics struct {
	Deliveries     prometheus.Counter
	Misses         prometheus.Counter
	Rejected       prometheus.Counter
	DeliverSeconds prometheus.Histogram
}

// NewMetrics builds and registers the gate metrics. A nil registerer yields
// unregistered (but usable) collectors for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Deliveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "hushd_deliveries_total",
			Help: "Successful deliveries of the shared resource.",
		}),
		Misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "hushd_misses_total",
			Help: "Requests that missed the secret path (abuse counter).",
		}),
		Rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "hushd_rejected_total",
			Help: "Requests rejected after the shutdown decision.",
		}),
		DeliverSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hushd_delivery_duration_seconds",
			Help:    "Wall time spent streaming the resource to a requester.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

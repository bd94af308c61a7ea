package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoneflow_dispatch_deliveries_total",
		Help: "Settled delivery attempts, by outcome.",
	}, []string{"outcome"})
	metricClaimErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_dispatch_claim_errors_total",
		Help: "Failed attempts to claim due deliveries.",
	})
)

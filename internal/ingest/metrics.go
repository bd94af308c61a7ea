package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFixesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_ingest_fixes_accepted_total",
		Help: "Authenticated fixes produced onto the raw fix stream.",
	})
	metricFixesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoneflow_ingest_fixes_rejected_total",
		Help: "Fixes routed to the DLQ, by reason.",
	}, []string{"reason"})
	metricProduceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_ingest_produce_errors_total",
		Help: "Raw fix stream produce failures (message redelivered).",
	})
	metricDeviceCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoneflow_ingest_device_cache_requests_total",
		Help: "Device key cache lookups, by outcome.",
	}, []string{"outcome"})
	metricFetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_ingest_fetch_errors_total",
		Help: "JetStream fetch failures.",
	})
)

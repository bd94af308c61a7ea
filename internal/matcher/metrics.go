package matcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricDeliveriesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_matcher_deliveries_created_total",
		Help: "Delivery records created from matched rules.",
	})
	metricDeliveriesDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_matcher_deliveries_deduped_total",
		Help: "Delivery inserts skipped because a live (rule, event) delivery existed.",
	})
	metricRulesFiltered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_matcher_rules_filtered_total",
		Help: "Rules skipped by a non-matching device filter.",
	})
	metricDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_matcher_decode_errors_total",
		Help: "Transition records that failed to decode.",
	})
	metricCommitErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_matcher_commit_errors_total",
		Help: "Consumer offset commit failures.",
	})
)

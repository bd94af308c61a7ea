package processor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFixesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_processor_fixes_processed_total",
		Help: "Fixes that completed the state machine with durable effects.",
	})
	metricFixesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_processor_fixes_dropped_total",
		Help: "Out-of-order fixes dropped without processing.",
	})
	metricFixesGated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_processor_fixes_gated_total",
		Help: "Fixes suppressed by the hysteresis window.",
	})
	metricTransitionsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoneflow_processor_transitions_emitted_total",
		Help: "Transition events persisted and published, by type.",
	}, []string{"type"})
	metricTransitionsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_processor_transitions_deduped_total",
		Help: "Transitions skipped because their event hash already existed.",
	})
	metricDecodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_processor_decode_errors_total",
		Help: "Raw fix records that failed to decode.",
	})
	metricCommitErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_processor_commit_errors_total",
		Help: "Consumer offset commit failures.",
	})
	metricStateCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zoneflow_processor_state_cache_requests_total",
		Help: "Membership state loads, by source (redis, postgres, none).",
	}, []string{"source"})
	metricStatesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zoneflow_processor_states_expired_total",
		Help: "Idle membership state rows removed by the sweeper.",
	})
	metricPartitionLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "zoneflow_processor_partition_lag",
		Help: "Records between the last fetched offset and the high watermark.",
	}, []string{"topic", "partition"})
)

package accesscontrol

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	decisionsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesscontrol_decisions_total",
		Help: "Authorization decisions by workstream and outcome",
	}, []string{"workstream", "outcome"})

	checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "accesscontrol_check_duration_seconds",
		Help:    "Time spent producing a single decision",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	cacheCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesscontrol_decision_cache_total",
		Help: "Decision cache lookups by result (hit, miss, error, bypass, write_error)",
	}, []string{"result"})

	groupSyncCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesscontrol_group_sync_jobs_total",
		Help: "Group sync jobs by result (processed, deduplicated, dropped, failed)",
	}, []string{"result"})

	groupSyncQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "accesscontrol_group_sync_queue_depth",
		Help: "Jobs waiting in the group sync queue",
	})

	ledgerAppendCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "accesscontrol_ledger_appends_total",
		Help: "Business event appends by result",
	}, []string{"result"})
)

func observeDecision(workstreamID string, outcome Outcome, started time.Time) {
	decisionsCounter.WithLabelValues(workstreamID, string(outcome)).Inc()
	checkDuration.Observe(time.Since(started).Seconds())
}

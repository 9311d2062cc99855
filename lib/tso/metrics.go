package tso

import (
	"github.com/VictoriaMetrics/metrics"
	"io"
)

// Protocol counters, registered in the default VictoriaMetrics set
var (
	commitsTotal             = metrics.NewCounter("tso_txn_commits_total")
	abortsTotal              = metrics.NewCounter("tso_txn_aborts_total")
	deadlocksTotal           = metrics.NewCounter("tso_txn_deadlocks_total")
	lockWaitsTotal           = metrics.NewCounter("tso_lock_waits_total")
	staleLockGrabsTotal      = metrics.NewCounter("tso_stale_lock_grabs_total")
	timestampInterruptsTotal = metrics.NewCounter("tso_timestamp_interrupts_total")
	lockWaitSeconds          = metrics.NewHistogram("tso_lock_wait_seconds")
)

// WriteMetrics writes all protocol metrics in Prometheus text format
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}

// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	txsReceived      = metrics.NewCounter("fairorder_txs_received_total")
	txsReceivedValid = metrics.NewCounter("fairorder_txs_received_valid_total")
	fairTxsReceived  = metrics.NewCounter("fairorder_fair_txs_received_total")
	queueFull        = metrics.NewCounter("fairorder_queue_full_total")

	batchesPublished     = metrics.NewCounter("fairorder_batches_published_total")
	txsOrdered           = metrics.NewCounter("fairorder_txs_ordered_total")
	txsExpired           = metrics.NewCounter("fairorder_txs_expired_total")
	txsRejected          = metrics.NewCounter("fairorder_txs_rejected_total")
	batchPersistFailures = metrics.NewCounter("fairorder_batch_persist_failures_total")
	poolAlerts           = metrics.NewCounter("fairorder_pool_alerts_total")

	poolsCreated = metrics.NewCounter("fairorder_pools_created_total")
	poolsRetired = metrics.NewCounter("fairorder_pools_retired_total")
)

func IncTxsReceived() {
	txsReceived.Inc()
}

func IncTxsReceivedValid() {
	txsReceivedValid.Inc()
}

func IncFairTxsReceived() {
	fairTxsReceived.Inc()
}

func IncQueueFull() {
	queueFull.Inc()
}

func IncBatchesPublished() {
	batchesPublished.Inc()
}

func AddTxsOrdered(n int) {
	txsOrdered.Add(n)
}

func AddTxsExpired(n int) {
	txsExpired.Add(n)
}

func AddTxsRejected(n int) {
	txsRejected.Add(n)
}

func IncBatchPersistFailures() {
	batchPersistFailures.Inc()
}

func IncPoolAlerts() {
	poolAlerts.Inc()
}

func IncPoolsCreated() {
	poolsCreated.Inc()
}

func IncPoolsRetired() {
	poolsRetired.Inc()
}

func RecordRPCCallDuration(method string, duration int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`fairorder_rpc_call_duration_milliseconds{method="%s"}`, method)).Update(float64(duration))
}

func IncRPCCallFailure(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`fairorder_rpc_call_failures_total{method="%s"}`, method)).Inc()
}

func RecordBatchCycleDuration(duration int64) {
	metrics.GetOrCreateSummary("fairorder_batch_cycle_duration_milliseconds").Update(float64(duration))
}

// Package metrics exposes this node's Prometheus instrumentation: view
// number, ledger size, in-flight requests, replies served, per-instance
// Monitor readings, and replica phase transitions. Collectors are
// promauto-registered at package level with small Record*/Set* helpers
// at the call sites.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rbft"

var (
	ViewNo = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "view_no",
		Help:      "Current view number",
	})

	LedgerSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ledger_size",
		Help:      "Number of records committed to the ledger",
	})

	RequestsInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "requests_inflight",
		Help:      "Number of requests accepted but not yet replied to",
	})

	RepliesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replies_total",
		Help:      "Total number of Reply messages sent to clients",
	})

	RequestsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_rejected_total",
		Help:      "Total number of REQUEST messages rejected by a validator",
	})

	InstanceChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instance_changes_total",
		Help:      "Total number of completed view changes",
	})

	NodesBlacklisted = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "nodes_blacklisted",
		Help:      "Number of peer nodes currently blacklisted",
	})

	// Per-instance Monitor readings. Diagnostic only, never read back by
	// control-plane logic.
	InstanceLatencySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instance_latency_seconds",
		Help:      "Moving-average ordering latency per protocol instance",
	}, []string{"inst"})

	InstanceThroughput = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "instance_throughput_ops",
		Help:      "Moving-average ordering throughput per protocol instance",
	}, []string{"inst"})

	// Replica phase transitions.
	PrePreparesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "preprepares_sent_total",
		Help:      "Total PRE-PREPARE messages sent by instance",
	}, []string{"inst"})

	PreparesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "prepares_sent_total",
		Help:      "Total PREPARE messages sent by instance",
	}, []string{"inst"})

	CommitsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_sent_total",
		Help:      "Total COMMIT messages sent by instance",
	}, []string{"inst"})

	OrderedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ordered_total",
		Help:      "Total ORDERED messages emitted by instance",
	}, []string{"inst"})
)

// SetViewNo records the node's current view.
func SetViewNo(v uint64) { ViewNo.Set(float64(v)) }

// SetLedgerSize records the ledger's current record count.
func SetLedgerSize(n uint64) { LedgerSize.Set(float64(n)) }

// SetRequestsInflight records the number of requests awaiting a reply.
func SetRequestsInflight(n int) { RequestsInflight.Set(float64(n)) }

// RecordReply increments the replies-served counter.
func RecordReply() { RepliesTotal.Inc() }

// RecordRequestRejected increments the rejected-requests counter.
func RecordRequestRejected() { RequestsRejected.Inc() }

// RecordInstanceChange increments the completed-view-change counter.
func RecordInstanceChange() { InstanceChangesTotal.Inc() }

// SetNodesBlacklisted records the current blacklisted-peer count.
func SetNodesBlacklisted(n int) { NodesBlacklisted.Set(float64(n)) }

// SetInstanceStats records a protocol instance's moving-average latency
// and throughput, read from monitor.Monitor on every requestOrdered
// observation.
func SetInstanceStats(inst string, latencySeconds, throughputOps float64) {
	InstanceLatencySeconds.WithLabelValues(inst).Set(latencySeconds)
	InstanceThroughput.WithLabelValues(inst).Set(throughputOps)
}

// RecordPrePrepareSent increments the per-instance PRE-PREPARE counter.
func RecordPrePrepareSent(inst string) { PrePreparesSent.WithLabelValues(inst).Inc() }

// RecordPrepareSent increments the per-instance PREPARE counter.
func RecordPrepareSent(inst string) { PreparesSent.WithLabelValues(inst).Inc() }

// RecordCommitSent increments the per-instance COMMIT counter.
func RecordCommitSent(inst string) { CommitsSent.WithLabelValues(inst).Inc() }

// RecordOrdered increments the per-instance ORDERED counter.
func RecordOrdered(inst string) { OrderedTotal.WithLabelValues(inst).Inc() }

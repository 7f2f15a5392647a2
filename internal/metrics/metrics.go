// Package metrics exposes docstore's Prometheus instrumentation: package
// level metric variables registered at init time, and an HTTP handler for
// the server's metrics endpoint. Grounded in the teacher-adjacent
// cuemby-warren pkg/metrics/metrics.go pattern (package-level
// prometheus.New* vars, init()-time MustRegister, Handler() wrapping
// promhttp.Handler(), a Timer helper) rather than the teacher's own
// database, which never instrumented itself.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction metrics (internal/transaction)
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_transactions_total",
			Help: "Total number of transactions by outcome (commit, conflict, aborted)",
		},
		[]string{"outcome"},
	)

	TransactionCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docstore_transaction_commit_duration_seconds",
			Help:    "Time taken to validate and commit a transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	GroupCommitBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docstore_group_commit_batch_size",
			Help:    "Number of transactions folded into one LOG append",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	// Storage metrics (internal/logstore, internal/didx, internal/sidx)
	LogAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docstore_log_append_duration_seconds",
			Help:    "Time taken to append and fsync a batch of log records",
			Buckets: prometheus.DefBuckets,
		},
	)

	LogSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_log_size_bytes",
			Help: "Current size of the append-only log in bytes",
		},
	)

	DocumentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docstore_documents_total",
			Help: "Total number of live documents per collection",
		},
		[]string{"collection"},
	)

	// Recovery metrics (internal/recovery)
	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docstore_recovery_duration_seconds",
			Help:    "Time taken to replay a collection's log at startup",
			Buckets: prometheus.DefBuckets,
		},
	)

	RecoveryRecordsReplayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_recovery_records_replayed_total",
			Help: "Total number of log records replayed during recovery, by collection",
		},
		[]string{"collection"},
	)

	// Query metrics (internal/query, internal/agg)
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docstore_query_duration_seconds",
			Help:    "Query execution duration by plan kind (scan, index)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"plan"},
	)

	// Replication metrics (internal/replication)
	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docstore_raft_apply_duration_seconds",
			Help:    "Time taken for the FSM to apply a committed raft log entry",
			Buckets: prometheus.DefBuckets,
		},
	)

	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_raft_is_leader",
			Help: "Whether this node is the current raft leader (1 = leader, 0 = follower)",
		},
	)

	// Server metrics (internal/server)
	ConnectionsOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_connections_open",
			Help: "Number of currently open client connections",
		},
	)

	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_commands_total",
			Help: "Total number of wire commands handled by name and outcome",
		},
		[]string{"command", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsTotal,
		TransactionCommitDuration,
		GroupCommitBatchSize,
		LogAppendDuration,
		LogSizeBytes,
		DocumentsTotal,
		RecoveryDuration,
		RecoveryRecordsReplayed,
		QueryDuration,
		RaftApplyDuration,
		RaftIsLeader,
		ConnectionsOpen,
		CommandsTotal,
	)
}

// Handler returns the Prometheus scrape handler for the metrics HTTP endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed wall-clock time for observing into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time into a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consensus state metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorum_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = otherwise)",
		},
	)

	CurrentTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorum_raft_term",
			Help: "Current Raft term",
		},
	)

	Peers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorum_raft_peers_total",
			Help: "Total number of voting members in the active configuration",
		},
	)

	LogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorum_raft_log_index",
			Help: "Last index in the replicated log",
		},
	)

	CommitIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorum_raft_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	AppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorum_raft_applied_index",
			Help: "Last log index applied to the state machine",
		},
	)

	// Election metrics
	ElectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_raft_elections_total",
			Help: "Total number of elections started, by outcome",
		},
		[]string{"outcome"},
	)

	// RPC metrics
	RPCsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_raft_rpcs_total",
			Help: "Total number of outbound RPCs by operation and result",
		},
		[]string{"op", "result"},
	)

	RPCDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quorum_raft_rpc_duration_seconds",
			Help:    "Outbound RPC duration in seconds by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_raft_retries_total",
			Help: "Total number of RPC retries by operation",
		},
		[]string{"op"},
	)

	// Apply path metrics
	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorum_raft_apply_duration_seconds",
			Help:    "Time taken to apply a log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorum_raft_commit_duration_seconds",
			Help:    "Time from append to commit for leader entries in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Client operation metrics
	PendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorum_raft_pending_operations",
			Help: "Client operations waiting on commit",
		},
	)

	SnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_raft_snapshots_total",
			Help: "Total number of snapshots by kind (captured, installed, sent)",
		},
		[]string{"kind"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(CurrentTerm)
	prometheus.MustRegister(Peers)
	prometheus.MustRegister(LogIndex)
	prometheus.MustRegister(CommitIndex)
	prometheus.MustRegister(AppliedIndex)
	prometheus.MustRegister(ElectionsTotal)
	prometheus.MustRegister(RPCsTotal)
	prometheus.MustRegister(RPCDuration)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(ApplyDuration)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(PendingOperations)
	prometheus.MustRegister(SnapshotsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

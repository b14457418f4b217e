package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// acquire outcome labels
const (
	StatusAcquired   = "acquired"
	StatusContended  = "contended"
	StatusDowngraded = "downgraded"
	StatusError      = "error"
)

// renewal outcome labels
const (
	RenewSuccess = "success"
	RenewFailure = "failure"
	RenewSkipped = "skipped"
)

var (
	// end-to-end acquire latency as seen by the client, including replication
	// labels: namespace
	LeaseAcquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "holdfast_lease_acquire_duration_seconds",
			Help:    "time taken for an acquire command to be applied",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
		[]string{"namespace"},
	)

	// acquire outcomes: acquired, contended, downgraded (safety margin), error
	LeaseAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holdfast_lease_acquire_total",
			Help: "total number of lease acquire attempts by outcome",
		},
		[]string{"namespace", "status"},
	)

	LeaseReleaseTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holdfast_lease_release_total",
			Help: "total number of lease releases submitted",
		},
		[]string{"namespace"},
	)

	// renewal daemon cycles: success, failure, skipped (no leader known)
	// a run of skipped/failure means leases on this node are about to lapse
	LeaseRenewTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holdfast_lease_renew_total",
			Help: "total number of renewal daemon cycles by outcome",
		},
		[]string{"namespace", "status"},
	)

	// records dropped because a command observed them expired
	LeaseExpireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holdfast_lease_expire_total",
			Help: "total number of leases removed after expiry",
		},
		[]string{"namespace"},
	)

	// records in the applied lock table, expired-but-unswept included
	LeasesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "holdfast_leases_active",
			Help: "current number of lease records in the lock table",
		},
		[]string{"namespace"},
	)

	ReplicatedCounter = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "holdfast_replicated_counter",
			Help: "current value of the replicated counter",
		},
	)

	MembersLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "holdfast_members_live",
			Help: "number of live members seen by the local partitioner",
		},
	)

	// commands sent to the leader from followers
	// labels: status (success/failure)
	ForwardTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "holdfast_forward_total",
			Help: "total number of commands forwarded to the raft leader",
		},
		[]string{"status"},
	)

	// 1 if this node is leader, 0 if follower
	RaftIsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "holdfast_raft_is_leader",
			Help: "whether this node is the raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "holdfast_raft_peers",
			Help: "number of servers in the raft configuration",
		},
	)

	// last log index applied to the fsm
	RaftAppliedIndex = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "holdfast_raft_applied_index",
			Help: "last raft log index applied to the fsm",
		},
	)

	Up = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "holdfast_up",
			Help: "whether the service is up (always 1 when running)",
		},
	)
)

func init() {
	Up.Set(1)
}

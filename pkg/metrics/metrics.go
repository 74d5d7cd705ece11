// Package metrics exposes Prometheus instrumentation for the
// execution fabric: capability issuance/denial counts, plan build and
// cache-hit counts, sandbox quota violations, audit chain size,
// cluster schedule latency, membership quorum size, and federation
// aggregation latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Capability metrics
	CapabilitiesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_capabilities_issued_total",
			Help: "Total number of capability tokens issued, by capability",
		},
		[]string{"capability"},
	)

	CapabilitiesDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_capabilities_denied_total",
			Help: "Total number of capability verifications that were denied, by reason",
		},
		[]string{"reason"},
	)

	CapabilitiesRevokedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_capabilities_revoked_total",
			Help: "Total number of capability tokens revoked",
		},
	)

	// Planner metrics
	PlansBuiltTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_plans_built_total",
			Help: "Total number of plans built (cache misses)",
		},
	)

	PlanCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_plan_cache_hits_total",
			Help: "Total number of planner cache hits",
		},
	)

	PlanBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_plan_build_duration_seconds",
			Help:    "Time taken to build a plan in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Sandbox metrics
	SandboxExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_sandbox_executions_total",
			Help: "Total number of sandbox executions, by outcome",
		},
		[]string{"outcome"},
	)

	SandboxQuotaViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_sandbox_quota_violations_total",
			Help: "Total number of terminal quota violations, by dimension",
		},
		[]string{"dimension"},
	)

	SandboxExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_sandbox_execution_duration_seconds",
			Help:    "Time taken to run a plan to completion or first failure",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Audit chain metrics
	AuditChainSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_audit_chain_size",
			Help: "Number of events currently in this node's audit chain",
		},
	)

	AuditEventsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_audit_events_emitted_total",
			Help: "Total number of audit events emitted, by type",
		},
		[]string{"type"},
	)

	// Cluster scheduling metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_schedule_latency_seconds",
			Help:    "Time taken to compute a cluster schedule in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ScheduleAssignmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aegis_schedule_assignments_total",
			Help: "Total number of task-to-node assignments made",
		},
	)

	// Membership / Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_is_leader",
			Help: "Whether this node is the Raft leader for the Membership Authority (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_raft_applied_index",
			Help: "Last applied Raft log index for the membership FSM",
		},
	)

	MembershipQuorumSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_membership_quorum_size",
			Help: "Current number of registered trusted nodes",
		},
	)

	MembershipTrustedNodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aegis_membership_trusted_nodes_total",
			Help: "Total number of trusted nodes by reachability",
		},
		[]string{"reachable"},
	)

	// Federation metrics
	FederationAggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aegis_federation_aggregation_duration_seconds",
			Help:    "Time taken to aggregate per-node roots into a cluster root",
			Buckets: prometheus.DefBuckets,
		},
	)

	FederationNodesAggregatedTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_federation_nodes_aggregated_total",
			Help: "Number of per-node roots folded into the last cluster root computation",
		},
	)

	// Control API / provenance metrics
	ExecutionRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_execution_requests_total",
			Help: "Total number of submit_execution_request calls, by status",
		},
		[]string{"status"},
	)

	// Approval gate metrics
	ApprovalsPendingTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aegis_approvals_pending_total",
			Help: "Number of executions currently parked awaiting human approval",
		},
	)

	RollbacksExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aegis_rollbacks_executed_total",
			Help: "Total number of rollbacks executed, by whether they were cluster-wide",
		},
		[]string{"cluster_wide"},
	)
)

func init() {
	prometheus.MustRegister(
		CapabilitiesIssuedTotal,
		CapabilitiesDeniedTotal,
		CapabilitiesRevokedTotal,
		PlansBuiltTotal,
		PlanCacheHitsTotal,
		PlanBuildDuration,
		SandboxExecutionsTotal,
		SandboxQuotaViolationsTotal,
		SandboxExecutionDuration,
		AuditChainSize,
		AuditEventsEmittedTotal,
		SchedulingLatency,
		ScheduleAssignmentsTotal,
		RaftLeader,
		RaftAppliedIndex,
		MembershipQuorumSize,
		MembershipTrustedNodesTotal,
		FederationAggregationDuration,
		FederationNodesAggregatedTotal,
		ExecutionRequestsTotal,
		ApprovalsPendingTotal,
		RollbacksExecutedTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

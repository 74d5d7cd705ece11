package metrics

import (
	"time"

	"github.com/aegisfabric/aegis/pkg/audit"
	"github.com/aegisfabric/aegis/pkg/membership"
)

// Collector periodically refreshes the gauges that reflect a node's
// current membership and audit-chain state rather than being updated
// inline at a call site (unlike the counters/histograms incremented
// directly from pkg/node and pkg/control).
type Collector struct {
	authority *membership.Authority
	chain     *audit.Chain
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector bound to a node's
// Membership Authority and audit chain.
func NewCollector(authority *membership.Authority, chain *audit.Chain) *Collector {
	return &Collector{
		authority: authority,
		chain:     chain,
		stopCh:    make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15-second tick.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectMembershipMetrics()
	c.collectRaftMetrics()
	c.collectAuditMetrics()
}

func (c *Collector) collectMembershipMetrics() {
	nodes, err := c.authority.ListTrustedNodes()
	if err != nil {
		return
	}

	MembershipQuorumSize.Set(float64(len(nodes)))

	reachable, unreachable := 0, 0
	for _, n := range nodes {
		if n.Unreachable {
			unreachable++
		} else {
			reachable++
		}
	}
	MembershipTrustedNodesTotal.WithLabelValues("true").Set(float64(reachable))
	MembershipTrustedNodesTotal.WithLabelValues("false").Set(float64(unreachable))
}

func (c *Collector) collectRaftMetrics() {
	if c.authority.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}
	RaftAppliedIndex.Set(float64(c.authority.AppliedIndex()))
}

func (c *Collector) collectAuditMetrics() {
	AuditChainSize.Set(float64(len(c.chain.Events())))
}

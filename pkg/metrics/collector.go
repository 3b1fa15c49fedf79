package metrics

import (
	"context"
	"time"

	"github.com/cuemby/certwarden/pkg/types"
	"github.com/samber/lo"
)

// DefaultSampleInterval is how often a Collector refreshes its gauges
const DefaultSampleInterval = 15 * time.Second

// Source is the cluster state the collector samples
type Source interface {
	ListProvisioning() ([]*types.ProvisioningConfig, error)
	ListNotifications() ([]*types.Notification, error)
	IsLeader() bool
	GetRaftStats() map[string]interface{}
}

// Collector refreshes the sampled gauges from the replicated state. Each
// node samples its own copy, so followers report the same counts as the
// leader once they have caught up.
type Collector struct {
	source   Source
	interval time.Duration
}

// NewCollector creates a collector sampling every DefaultSampleInterval
func NewCollector(source Source) *Collector {
	return &Collector{source: source, interval: DefaultSampleInterval}
}

// WithInterval overrides the sample interval
func (c *Collector) WithInterval(d time.Duration) *Collector {
	c.interval = d
	return c
}

// Run samples immediately and then on every tick until ctx is done
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		c.sample()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Collector) sample() {
	if records, err := c.source.ListProvisioning(); err == nil {
		counts := lo.CountValuesBy(records, func(r *types.ProvisioningConfig) types.ProvisioningState {
			return r.State
		})
		// drained states must drop back to zero
		for _, state := range types.AllStates {
			ProvisioningNodes.WithLabelValues(string(state)).Set(float64(counts[state]))
		}
	}

	if list, err := c.source.ListNotifications(); err == nil {
		NotificationsActive.Set(float64(len(list)))
	}

	RaftLeader.Set(lo.Ternary(c.source.IsLeader(), 1.0, 0.0))
	stats := c.source.GetRaftStats()
	if idx, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(idx))
	}
	if peers, ok := stats["peers"].(int); ok {
		RaftPeers.Set(float64(peers))
	}
}

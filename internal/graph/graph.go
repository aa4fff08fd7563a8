// Package graph is the memory layer over the cluster store: it watches
// per-cluster sighting rates for spikes, exposes the weak-relation
// neighborhood, and predicts which dormant myths are due to resurface.
package graph

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/whatsamyth/claimgraph/internal/store"
)

// Config holds the spike detection tunables.
type Config struct {
	// SpikeMultiplier: a complete bucket at or above
	// baseline * SpikeMultiplier is a spike.
	SpikeMultiplier float64
	// RearmFactor: once spiked, the detector stays silent until the
	// rate falls below baseline * RearmFactor.
	RearmFactor float64
	// BaselineWindow is how many trailing complete buckets form the
	// baseline mean.
	BaselineWindow int
	// BucketSize is the sighting bucket granularity.
	BucketSize time.Duration
	// Retention is how long sighting buckets are kept.
	Retention time.Duration
}

// DefaultConfig returns the standard spike parameters: hourly buckets,
// a one-week baseline, 3x to fire, re-arm below 1.5x.
func DefaultConfig() Config {
	return Config{
		SpikeMultiplier: 3.0,
		RearmFactor:     1.5,
		BaselineWindow:  168,
		BucketSize:      time.Hour,
		Retention:       336 * time.Hour,
	}
}

// Graph wraps the store with rate and relation queries.
type Graph struct {
	store *store.SQLiteStore
	cfg   Config
}

// New creates a graph over the store.
func New(st *store.SQLiteStore, cfg Config) *Graph {
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = time.Hour
	}
	if cfg.BaselineWindow <= 0 {
		cfg.BaselineWindow = 168
	}
	return &Graph{store: st, cfg: cfg}
}

// RecordSighting counts one sighting of a cluster at the given time,
// outside of a message attach (external feed signals, re-shares).
func (g *Graph) RecordSighting(ctx context.Context, clusterID int64, at time.Time) error {
	bucket := at.Truncate(g.cfg.BucketSize).Unix()
	return g.store.IncrementBucket(ctx, clusterID, bucket)
}

// CheckSpike evaluates one cluster's most recent complete bucket
// against its baseline. Returns a SpikeEvent when the cluster crosses
// the spike threshold while armed, nil otherwise. Each elevation emits
// exactly one event: the cluster disarms on firing and re-arms only
// after the rate drops below baseline * RearmFactor.
func (g *Graph) CheckSpike(ctx context.Context, clusterID int64, now time.Time) (*store.SpikeEvent, error) {
	bucketSecs := int64(g.cfg.BucketSize / time.Second)
	// The bucket containing now is still filling; judge the last
	// complete one.
	current := now.Truncate(g.cfg.BucketSize).Unix()
	observedStart := current - bucketSecs

	observed, err := g.store.BucketCount(ctx, clusterID, observedStart)
	if err != nil {
		return nil, err
	}

	windowStart := observedStart - int64(g.cfg.BaselineWindow)*bucketSecs
	total, err := g.store.BucketTotal(ctx, clusterID, windowStart, observedStart)
	if err != nil {
		return nil, err
	}
	baseline := float64(total) / float64(g.cfg.BaselineWindow)

	// A cluster with no history cannot spike; everything is "elevated"
	// relative to an empty week.
	if baseline == 0 {
		return nil, nil
	}

	c, err := g.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	rate := float64(observed)
	switch {
	case rate >= baseline*g.cfg.SpikeMultiplier:
		if !c.SpikeArmed {
			return nil, nil
		}
		ev := &store.SpikeEvent{
			ClusterID:    clusterID,
			DetectedAt:   time.Unix(observedStart, 0).UTC().Add(g.cfg.BucketSize),
			BaselineRate: baseline,
			ObservedRate: rate,
		}
		if err := g.store.AddSpikeEvent(ctx, ev); err != nil {
			return nil, err
		}
		if err := g.store.SetSpikeArmed(ctx, clusterID, false); err != nil {
			return nil, err
		}
		return ev, nil
	case rate < baseline*g.cfg.RearmFactor:
		if !c.SpikeArmed {
			if err := g.store.SetSpikeArmed(ctx, clusterID, true); err != nil {
				return nil, err
			}
		}
		return nil, nil
	default:
		// Elevated but between re-arm and spike thresholds: hold state.
		return nil, nil
	}
}

// CheckSpikes sweeps every cluster seen in the last complete bucket
// and returns the spike events emitted. Expired sighting buckets are
// pruned first so the retention horizon advances with each sweep.
func (g *Graph) CheckSpikes(ctx context.Context, now time.Time) ([]*store.SpikeEvent, error) {
	if g.cfg.Retention > 0 {
		if _, err := g.PruneExpired(ctx, now); err != nil {
			return nil, err
		}
	}

	bucketSecs := int64(g.cfg.BucketSize / time.Second)
	observedStart := now.Truncate(g.cfg.BucketSize).Unix() - bucketSecs

	ids, err := g.store.ClustersSeenSince(ctx, observedStart)
	if err != nil {
		return nil, err
	}

	var events []*store.SpikeEvent
	for _, id := range ids {
		ev, err := g.CheckSpike(ctx, id, now)
		if err != nil {
			return events, fmt.Errorf("checking cluster %d: %w", id, err)
		}
		if ev != nil {
			events = append(events, ev)
		}
	}
	return events, nil
}

// PruneExpired drops sighting buckets past the retention horizon.
func (g *Graph) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	horizon := now.Add(-g.cfg.Retention).Truncate(g.cfg.BucketSize).Unix()
	return g.store.PruneBuckets(ctx, horizon)
}

// Related returns the weak-edge neighborhood of a cluster with the
// neighbor clusters loaded, strongest edge first.
func (g *Graph) Related(ctx context.Context, clusterID int64) ([]RelatedCluster, error) {
	if _, err := g.store.GetCluster(ctx, clusterID); err != nil {
		return nil, err
	}
	relations, err := g.store.Related(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	out := make([]RelatedCluster, 0, len(relations))
	for _, r := range relations {
		c, err := g.store.GetCluster(ctx, r.ClusterID)
		if err != nil {
			return nil, err
		}
		out = append(out, RelatedCluster{Cluster: c, Weight: r.Weight})
	}
	return out, nil
}

// RelatedCluster pairs a neighbor with its edge weight.
type RelatedCluster struct {
	Cluster *store.Cluster `json:"cluster"`
	Weight  float64        `json:"weight"`
}

// Prediction estimates how likely a cluster is to spike again soon.
type Prediction struct {
	ClusterID        int64     `json:"cluster_id"`
	CanonicalText    string    `json:"canonical_text"`
	Probability      float64   `json:"probability"`
	Reason           string    `json:"reason"`
	LastSpikeAt      time.Time `json:"last_spike_at"`
	AvgIntervalHours float64   `json:"avg_interval_hours,omitempty"`
}

// PredictReemergence scores one cluster from its spike history: the
// closer the time since the last spike gets to the cluster's average
// spike interval, the more likely a re-emergence.
func (g *Graph) PredictReemergence(ctx context.Context, clusterID int64, now time.Time) (*Prediction, error) {
	c, err := g.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	times, err := g.store.SpikeTimes(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	p := &Prediction{ClusterID: clusterID, CanonicalText: c.CanonicalText}

	switch len(times) {
	case 0:
		p.Probability = 0.05
		p.Reason = "no spike history"
		return p, nil
	case 1:
		p.LastSpikeAt = times[0]
		p.Probability = 0.2
		p.Reason = "single spike, no recurrence interval yet"
		return p, nil
	}

	last := times[len(times)-1]
	var totalGap time.Duration
	for i := 1; i < len(times); i++ {
		totalGap += times[i].Sub(times[i-1])
	}
	avg := totalGap / time.Duration(len(times)-1)
	if avg <= 0 {
		avg = g.cfg.BucketSize
	}

	elapsed := now.Sub(last)
	ratio := float64(elapsed) / float64(avg)

	p.LastSpikeAt = last
	p.AvgIntervalHours = avg.Hours()
	p.Probability = math.Min(0.9, math.Max(0.05, ratio*0.5))
	switch {
	case ratio >= 1:
		p.Reason = fmt.Sprintf("overdue: %0.f hours past the average %.0f-hour spike interval", (elapsed - avg).Hours(), avg.Hours())
	case ratio >= 0.6:
		p.Reason = fmt.Sprintf("approaching the average %.0f-hour spike interval", avg.Hours())
	default:
		p.Reason = "recently spiked"
	}
	return p, nil
}

// PredictTop ranks the clusters most likely to re-emerge.
func (g *Graph) PredictTop(ctx context.Context, now time.Time, topK int) ([]*Prediction, error) {
	if topK <= 0 {
		topK = 5
	}
	ids, err := g.store.SpikeClusterIDs(ctx)
	if err != nil {
		return nil, err
	}

	preds := make([]*Prediction, 0, len(ids))
	for _, id := range ids {
		p, err := g.PredictReemergence(ctx, id, now)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	sort.Slice(preds, func(i, j int) bool {
		if preds[i].Probability != preds[j].Probability {
			return preds[i].Probability > preds[j].Probability
		}
		return preds[i].ClusterID < preds[j].ClusterID
	})
	if len(preds) > topK {
		preds = preds[:topK]
	}
	return preds, nil
}

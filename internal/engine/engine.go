// Package engine implements claim clustering: each incoming claim
// embedding is matched against existing cluster centroids and either
// attached to the best match or seeded as a new cluster.
//
// All decisions run under a single assignment lock so that two
// near-identical claims arriving concurrently cannot both miss the
// index and create duplicate clusters. External I/O (embedding,
// verification) never happens under the lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/whatsamyth/claimgraph/internal/ann"
	"github.com/whatsamyth/claimgraph/internal/store"
)

// Config holds the clustering tunables.
type Config struct {
	// MatchThreshold is the minimum cosine similarity for a claim to
	// join an existing cluster. Inclusive: a claim exactly at the
	// threshold matches.
	MatchThreshold float64
	// RelationFloor is the lower bound of the related-but-distinct
	// band [RelationFloor, MatchThreshold).
	RelationFloor float64
	// TieEpsilon widens the winner selection: candidates within
	// TieEpsilon of the best similarity are tied, and ties resolve to
	// the larger cluster, then the smaller id.
	TieEpsilon float64
	// BucketSize is the sighting bucket granularity.
	BucketSize time.Duration
	// SearchK is how many neighbors to pull from the index per claim.
	SearchK int
}

// DefaultConfig returns the standard clustering parameters.
func DefaultConfig() Config {
	return Config{
		MatchThreshold: 0.75,
		RelationFloor:  0.55,
		TieEpsilon:     0.005,
		BucketSize:     time.Hour,
		SearchK:        5,
	}
}

// Claim is one incoming message with its embedding.
type Claim struct {
	MessageID  string
	Text       string
	Vector     []float32
	Source     string
	ReceivedAt time.Time
}

// Assignment is the outcome of clustering one claim.
type Assignment struct {
	ClusterID     int64   `json:"cluster_id"`
	IsNew         bool    `json:"is_new_cluster"`
	Similarity    float64 `json:"similarity"`
	Unclusterable bool    `json:"unclusterable,omitempty"`
	AlreadySeen   bool    `json:"already_seen,omitempty"`
}

// SubmitResult is an Assignment enriched with the cluster's current
// verification state, the shape callers act on.
type SubmitResult struct {
	Assignment
	Status            store.Status   `json:"status"`
	Verdict           *store.Verdict `json:"verdict,omitempty"`
	NeedsVerification bool           `json:"needs_verification"`
}

// Engine clusters claims against the store-backed centroid index.
type Engine struct {
	store *store.SQLiteStore
	cfg   Config

	mu    sync.Mutex // serializes search + assign; guards index swap
	index *ann.Index
}

// New creates an engine over an already-populated index.
func New(st *store.SQLiteStore, index *ann.Index, cfg Config) *Engine {
	if cfg.SearchK <= 0 {
		cfg.SearchK = 5
	}
	if cfg.BucketSize <= 0 {
		cfg.BucketSize = time.Hour
	}
	return &Engine{store: st, index: index, cfg: cfg}
}

// Index returns the live ANN index (for snapshotting).
func (e *Engine) Index() *ann.Index {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index
}

// Assign clusters one claim. Replayed message ids return the original
// assignment without mutating anything.
func (e *Engine) Assign(ctx context.Context, claim Claim) (*Assignment, error) {
	if claim.MessageID == "" {
		return nil, fmt.Errorf("claim has no message id")
	}
	if claim.ReceivedAt.IsZero() {
		claim.ReceivedAt = time.Now().UTC()
	}

	// Replay check outside the lock: a message id that was already
	// attached returns its original placement.
	if a, err := e.replayAssignment(ctx, claim.MessageID); err != nil {
		return nil, err
	} else if a != nil {
		return a, nil
	}

	if magnitude(claim.Vector) == 0 {
		return e.assignUnclusterable(ctx, claim)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	hits := e.index.Search(claim.Vector, e.cfg.SearchK)

	winner, winnerSim, err := e.pickWinner(ctx, hits)
	if err != nil {
		return nil, err
	}

	bucket := claim.ReceivedAt.Truncate(e.cfg.BucketSize).Unix()
	msg := &store.Message{
		ID:         claim.MessageID,
		Source:     claim.Source,
		ReceivedAt: claim.ReceivedAt,
	}

	if winner != nil {
		msg.ClusterID = winner.ID
		msg.Similarity = winnerSim

		newCentroid := runningMean(winner.Centroid, claim.Vector, winner.MessageCount)
		if err := e.store.AttachMessage(ctx, msg, newCentroid, bucket); err != nil {
			return e.resolveDuplicate(ctx, claim.MessageID, err)
		}
		e.index.Update(winner.ID, newCentroid)

		e.relateBandNeighbor(ctx, winner.ID, hits)

		return &Assignment{ClusterID: winner.ID, Similarity: winnerSim}, nil
	}

	// No match at or above the threshold: seed a new cluster.
	cluster := &store.Cluster{
		CanonicalText: claim.Text,
		Centroid:      claim.Vector,
	}
	msg.Similarity = 1.0
	if err := e.store.CreateCluster(ctx, cluster, msg, bucket); err != nil {
		return e.resolveDuplicate(ctx, claim.MessageID, err)
	}
	e.index.Insert(cluster.ID, claim.Vector)

	e.relateBandNeighbor(ctx, cluster.ID, hits)

	return &Assignment{ClusterID: cluster.ID, IsNew: true, Similarity: 1.0}, nil
}

// replayAssignment reports the original placement of an already-seen
// message id, or nil when the id is unseen.
func (e *Engine) replayAssignment(ctx context.Context, messageID string) (*Assignment, error) {
	prev, err := e.store.GetMessage(ctx, messageID)
	if err != nil || prev == nil {
		return nil, err
	}
	c, err := e.store.GetCluster(ctx, prev.ClusterID)
	if err != nil {
		return nil, err
	}
	return &Assignment{
		ClusterID:     prev.ClusterID,
		Similarity:    prev.Similarity,
		Unclusterable: c.Unclusterable,
		AlreadySeen:   true,
	}, nil
}

// resolveDuplicate handles a write that lost a race with a concurrent
// submit of the same message id: the unique violation proves the
// message is attached, so serve its original placement.
func (e *Engine) resolveDuplicate(ctx context.Context, messageID string, cause error) (*Assignment, error) {
	if !errors.Is(cause, store.ErrDuplicateMessage) {
		return nil, cause
	}
	a, err := e.replayAssignment(ctx, messageID)
	if err == nil && a != nil {
		return a, nil
	}
	return nil, cause
}

// SubmitClaim assigns the claim and reports the cluster's verification
// state so the caller knows whether a cached verdict applies.
func (e *Engine) SubmitClaim(ctx context.Context, claim Claim) (*SubmitResult, error) {
	a, err := e.Assign(ctx, claim)
	if err != nil {
		return nil, err
	}
	c, err := e.store.GetCluster(ctx, a.ClusterID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{
		Assignment:        *a,
		Status:            c.Status,
		Verdict:           c.Verdict,
		NeedsVerification: !c.Status.Terminal(),
	}, nil
}

// RebuildIndex discards the in-memory index and rebuilds it from the
// store's centroids. Used at startup when no snapshot exists and after
// index corruption. Returns the number of centroids indexed.
func (e *Engine) RebuildIndex(ctx context.Context) (int, error) {
	centroids, err := e.store.AllCentroids(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading centroids for rebuild: %w", err)
	}

	dims := 0
	if len(centroids) > 0 {
		dims = len(centroids[0].Vector)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if dims == 0 {
		dims = e.index.Dims()
	}
	fresh := ann.NewWithParams(dims, e.index.M, e.index.EfConstruction, e.index.EfSearch)
	for _, c := range centroids {
		fresh.Insert(c.ClusterID, c.Vector)
	}
	e.index = fresh
	return len(centroids), nil
}

// assignUnclusterable stores a zero-magnitude claim as a singleton
// cluster outside the vector space. It still flows through
// verification; it just never matches anything.
func (e *Engine) assignUnclusterable(ctx context.Context, claim Claim) (*Assignment, error) {
	cluster := &store.Cluster{
		CanonicalText: claim.Text,
		Unclusterable: true,
	}
	msg := &store.Message{
		ID:         claim.MessageID,
		Similarity: 1.0,
		Source:     claim.Source,
		ReceivedAt: claim.ReceivedAt,
	}
	bucket := claim.ReceivedAt.Truncate(e.cfg.BucketSize).Unix()
	if err := e.store.CreateCluster(ctx, cluster, msg, bucket); err != nil {
		return nil, err
	}
	return &Assignment{
		ClusterID:     cluster.ID,
		IsNew:         true,
		Similarity:    1.0,
		Unclusterable: true,
	}, nil
}

// pickWinner selects the cluster the claim joins, or nil if nothing
// reaches the threshold. Candidates within TieEpsilon of the best
// similarity are tied; ties go to the larger cluster, then smaller id.
func (e *Engine) pickWinner(ctx context.Context, hits []ann.Result) (*store.Cluster, float64, error) {
	type scored struct {
		cluster *store.Cluster
		sim     float64
	}

	var qualified []scored
	best := -1.0
	for _, h := range hits {
		sim := 1.0 - float64(h.Distance)
		if sim < e.cfg.MatchThreshold {
			continue
		}
		c, err := e.store.GetCluster(ctx, h.ID)
		if err != nil {
			return nil, 0, err
		}
		qualified = append(qualified, scored{cluster: c, sim: sim})
		if sim > best {
			best = sim
		}
	}
	if len(qualified) == 0 {
		return nil, 0, nil
	}

	var tied []scored
	for _, q := range qualified {
		if q.sim >= best-e.cfg.TieEpsilon {
			tied = append(tied, q)
		}
	}
	winner := tied[0]
	for _, q := range tied[1:] {
		if q.cluster.MessageCount > winner.cluster.MessageCount ||
			(q.cluster.MessageCount == winner.cluster.MessageCount && q.cluster.ID < winner.cluster.ID) {
			winner = q
		}
	}
	return winner.cluster, winner.sim, nil
}

// relateBandNeighbor records a weak edge between the assigned cluster
// and the closest other hit when that hit falls inside
// [RelationFloor, MatchThreshold). Only the nearest miss is linked; a
// relation failure does not fail the assignment, the edge can form on
// the next sighting.
func (e *Engine) relateBandNeighbor(ctx context.Context, assigned int64, hits []ann.Result) {
	for _, h := range hits {
		if h.ID == assigned {
			continue
		}
		sim := 1.0 - float64(h.Distance)
		if sim >= e.cfg.RelationFloor && sim < e.cfg.MatchThreshold {
			_ = e.store.AddRelation(ctx, assigned, h.ID, 1)
		}
		return
	}
}

// runningMean folds one vector into a centroid that currently
// represents count members.
func runningMean(centroid, vec []float32, count int64) []float32 {
	if len(centroid) != len(vec) || count <= 0 {
		return vec
	}
	n := float32(count)
	out := make([]float32, len(centroid))
	for i := range centroid {
		out[i] = (centroid[i]*n + vec[i]) / (n + 1)
	}
	return out
}

func magnitude(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/whatsamyth/claimgraph/internal/ann"
	"github.com/whatsamyth/claimgraph/internal/store"
)

// Test vectors with exactly representable cosine similarities.
// |cBoundary| = 4 and |cBand| = 5, so sim(qProbe, cBoundary) =
// 3/4 = 0.75 exactly and sim(qProbe, cBand) = 3/5 = 0.6 exactly.
// cMirror is also exactly 0.75 from qProbe but only 0.125 from
// cBoundary, so the two can coexist as separate clusters.
var (
	qProbe    = []float32{1, 0, 0, 0, 0}
	cBoundary = []float32{3, 2, 1, 1, 1}
	cMirror   = []float32{3, -2, -1, -1, -1}
	cBand     = []float32{3, 4, 0, 0, 0}
)

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, ann.New(5), DefaultConfig()), st
}

func submit(t *testing.T, e *Engine, id string, vec []float32) *Assignment {
	t.Helper()
	a, err := e.Assign(context.Background(), Claim{
		MessageID:  id,
		Text:       "claim " + id,
		Vector:     vec,
		ReceivedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("Assign(%s): %v", id, err)
	}
	return a
}

func TestNewClusterThenDuplicateJoins(t *testing.T) {
	e, st := newTestEngine(t)

	first := submit(t, e, "m1", cBoundary)
	if !first.IsNew {
		t.Fatal("first claim should create a cluster")
	}

	second := submit(t, e, "m2", cBoundary)
	if second.IsNew {
		t.Fatal("identical claim must join, not create")
	}
	if second.ClusterID != first.ClusterID {
		t.Fatalf("joined cluster %d, want %d", second.ClusterID, first.ClusterID)
	}
	if second.Similarity < 0.999 {
		t.Errorf("similarity = %f, want ~1.0", second.Similarity)
	}

	c, err := st.GetCluster(context.Background(), first.ClusterID)
	if err != nil {
		t.Fatal(err)
	}
	if c.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", c.MessageCount)
	}
}

func TestResubmitSameMessageIsIdempotent(t *testing.T) {
	e, st := newTestEngine(t)

	first := submit(t, e, "m1", cBoundary)
	replay := submit(t, e, "m1", cBoundary)

	if !replay.AlreadySeen {
		t.Error("replayed message id not flagged")
	}
	if replay.ClusterID != first.ClusterID {
		t.Errorf("replay landed in cluster %d, want %d", replay.ClusterID, first.ClusterID)
	}

	c, _ := st.GetCluster(context.Background(), first.ClusterID)
	if c.MessageCount != 1 {
		t.Errorf("replay mutated count to %d", c.MessageCount)
	}
}

func TestThresholdInclusiveAtBoundary(t *testing.T) {
	e, _ := newTestEngine(t)

	seed := submit(t, e, "m1", cBoundary)
	probe := submit(t, e, "m2", qProbe)

	if probe.IsNew {
		t.Fatal("similarity exactly at the threshold must join")
	}
	if probe.ClusterID != seed.ClusterID {
		t.Errorf("joined cluster %d, want %d", probe.ClusterID, seed.ClusterID)
	}
	if probe.Similarity != 0.75 {
		t.Errorf("similarity = %v, want exactly 0.75", probe.Similarity)
	}
}

func TestJustBelowThresholdCreatesNew(t *testing.T) {
	e, st := newTestEngine(t)

	// sim(qProbe, cBand) = 0.6: below the match threshold, inside the
	// relation band.
	seed := submit(t, e, "m1", cBand)
	probe := submit(t, e, "m2", qProbe)

	if !probe.IsNew {
		t.Fatal("sub-threshold claim must create a new cluster")
	}
	if probe.ClusterID == seed.ClusterID {
		t.Fatal("sub-threshold claim merged into the neighbor")
	}

	// The near-miss left a weak relation edge.
	rels, err := st.Related(context.Background(), probe.ClusterID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 || rels[0].ClusterID != seed.ClusterID {
		t.Fatalf("relations = %+v, want edge to cluster %d", rels, seed.ClusterID)
	}
}

func TestHairBelowThresholdCreatesNew(t *testing.T) {
	e, st := newTestEngine(t)

	// 7499² + 6615² + 82² + 7² + 1² = 10^8, so |v| = 10000 exactly and
	// sim(qProbe, v) = 7499/10000 = 0.7499: the closest a claim can get
	// without matching. The tie epsilon widens winner selection among
	// qualified candidates only; it must not pull this one over the line.
	hairBelow := []float32{7499, 6615, 82, 7, 1}

	seed := submit(t, e, "m1", qProbe)
	probe := submit(t, e, "m2", hairBelow)

	if !probe.IsNew {
		t.Fatal("similarity 0.7499 must create a new cluster")
	}
	if probe.ClusterID == seed.ClusterID {
		t.Fatal("0.7499 claim merged into the neighbor")
	}

	// 0.7499 is still inside the relation band.
	rels, err := st.Related(context.Background(), probe.ClusterID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 || rels[0].ClusterID != seed.ClusterID {
		t.Fatalf("relations = %+v, want edge to cluster %d", rels, seed.ClusterID)
	}
}

func TestRelationEdgeOnlyToNearestMiss(t *testing.T) {
	e, st := newTestEngine(t)

	// Two in-band neighbors of qProbe at different similarities:
	// sim(qProbe, nearer) = 0.7499, sim(qProbe, farther) = 0.6, and
	// sim(nearer, farther) < 0 keeps them in separate clusters.
	nearer := []float32{7499, -6615, 82, 7, 1}
	farther := cBand

	a := submit(t, e, "m1", nearer)
	b := submit(t, e, "m2", farther)
	if b.ClusterID == a.ClusterID {
		t.Fatal("setup: neighbor clusters merged")
	}

	probe := submit(t, e, "m3", qProbe)
	if !probe.IsNew {
		t.Fatal("sub-threshold claim must create a new cluster")
	}

	// Only the nearest miss gets the edge.
	rels, err := st.Related(context.Background(), probe.ClusterID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 1 || rels[0].ClusterID != a.ClusterID {
		t.Fatalf("relations = %+v, want a single edge to cluster %d", rels, a.ClusterID)
	}
}

func TestBelowRelationFloorNoEdge(t *testing.T) {
	e, st := newTestEngine(t)

	// sim(cBoundary, cMirror) = 0.125: distinct, and too far for an edge.
	a := submit(t, e, "m1", cBoundary)
	b := submit(t, e, "m2", cMirror)

	if !b.IsNew {
		t.Fatal("dissimilar claim must create a new cluster")
	}
	rels, err := st.Related(context.Background(), b.ClusterID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rels) != 0 {
		t.Errorf("unexpected relation below the floor: %+v (other cluster %d)", rels, a.ClusterID)
	}
}

func TestTieBreakPrefersLargerCluster(t *testing.T) {
	e, _ := newTestEngine(t)

	// Both centroids sit at exactly 0.75 from qProbe but only 0.125
	// from each other, so they stay separate clusters.
	a := submit(t, e, "m1", cBoundary)
	b := submit(t, e, "m2", cMirror)
	if b.ClusterID == a.ClusterID {
		t.Fatal("setup: clusters merged")
	}

	// Grow cluster B to two messages; its centroid stays cMirror.
	grow := submit(t, e, "m3", cMirror)
	if grow.ClusterID != b.ClusterID {
		t.Fatal("setup: growth message missed cluster B")
	}

	probe := submit(t, e, "m4", qProbe)
	if probe.ClusterID != b.ClusterID {
		t.Errorf("tie resolved to cluster %d, want larger cluster %d", probe.ClusterID, b.ClusterID)
	}
}

func TestTieBreakFallsBackToSmallerID(t *testing.T) {
	e, _ := newTestEngine(t)

	a := submit(t, e, "m1", cBoundary)
	b := submit(t, e, "m2", cMirror)
	if b.ClusterID == a.ClusterID {
		t.Fatal("setup: clusters merged")
	}

	probe := submit(t, e, "m3", qProbe)
	if probe.ClusterID != a.ClusterID {
		t.Errorf("equal-size tie resolved to %d, want first cluster %d", probe.ClusterID, a.ClusterID)
	}
}

func TestCentroidRunningMean(t *testing.T) {
	e, st := newTestEngine(t)

	a := submit(t, e, "m1", []float32{1, 0, 0, 0, 0})
	second := submit(t, e, "m2", []float32{0.8, 0.6, 0, 0, 0}) // sim 0.8, joins
	if second.ClusterID != a.ClusterID {
		t.Fatal("setup: second claim missed")
	}

	c, err := st.GetCluster(context.Background(), a.ClusterID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Centroid[0] != 0.9 || c.Centroid[1] != 0.3 {
		t.Errorf("centroid = %v, want running mean [0.9 0.3 0 0 0]", c.Centroid)
	}
}

func TestZeroVectorUnclusterable(t *testing.T) {
	e, st := newTestEngine(t)

	zero := make([]float32, 5)
	first := submit(t, e, "m1", zero)
	if !first.IsNew || !first.Unclusterable {
		t.Fatalf("zero vector assignment = %+v, want new unclusterable cluster", first)
	}

	// The singleton never enters the index.
	if e.Index().Len() != 0 {
		t.Errorf("index holds %d vectors, want 0", e.Index().Len())
	}

	// A second zero vector gets its own singleton, never merged.
	second := submit(t, e, "m2", zero)
	if !second.IsNew || second.ClusterID == first.ClusterID {
		t.Errorf("second zero vector = %+v", second)
	}

	// Still verifiable: the cluster is stored and pending.
	c, err := st.GetCluster(context.Background(), first.ClusterID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != store.StatusPending || !c.Unclusterable {
		t.Errorf("cluster = %+v", c)
	}
}

func TestConcurrentNearDuplicatesCreateOneCluster(t *testing.T) {
	e, st := newTestEngine(t)

	const n = 20
	var wg sync.WaitGroup
	results := make([]*Assignment, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := e.Assign(context.Background(), Claim{
				MessageID:  fmt.Sprintf("m%d", i),
				Text:       "same claim",
				Vector:     cBoundary,
				ReceivedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
			})
			results[i], errs[i] = a, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}

	clusterID := results[0].ClusterID
	newCount := 0
	for _, r := range results {
		if r.ClusterID != clusterID {
			t.Fatalf("claims split across clusters %d and %d", clusterID, r.ClusterID)
		}
		if r.IsNew {
			newCount++
		}
	}
	if newCount != 1 {
		t.Errorf("%d claims reported creating the cluster, want 1", newCount)
	}

	c, _ := st.GetCluster(context.Background(), clusterID)
	if c.MessageCount != n {
		t.Errorf("message count = %d, want %d", c.MessageCount, n)
	}
}

func TestConcurrentSameMessageIsIdempotent(t *testing.T) {
	e, st := newTestEngine(t)

	// The same message id submitted from several goroutines at once:
	// whoever loses the insert race must still get the original
	// placement back, never an error.
	const n = 10
	var wg sync.WaitGroup
	results := make([]*Assignment, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.Assign(context.Background(), Claim{
				MessageID:  "m1",
				Text:       "same message",
				Vector:     cBoundary,
				ReceivedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	clusterID := results[0].ClusterID
	for i, r := range results {
		if r.ClusterID != clusterID {
			t.Fatalf("goroutine %d landed in cluster %d, want %d", i, r.ClusterID, clusterID)
		}
	}

	c, _ := st.GetCluster(context.Background(), clusterID)
	if c.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", c.MessageCount)
	}
}

func TestRebuildIndexRestoresAssignments(t *testing.T) {
	e, _ := newTestEngine(t)

	a := submit(t, e, "m1", cBoundary)
	b := submit(t, e, "m2", cMirror)
	submit(t, e, "m3", make([]float32, 5)) // unclusterable, not indexed

	n, err := e.RebuildIndex(context.Background())
	if err != nil {
		t.Fatalf("RebuildIndex: %v", err)
	}
	if n != 2 {
		t.Fatalf("rebuilt %d centroids, want 2", n)
	}

	// Same claims route to the same clusters through the fresh index.
	again := submit(t, e, "m4", cBoundary)
	if again.IsNew || again.ClusterID != a.ClusterID {
		t.Errorf("post-rebuild assignment = %+v, want cluster %d", again, a.ClusterID)
	}
	againB := submit(t, e, "m5", cMirror)
	if againB.IsNew || againB.ClusterID != b.ClusterID {
		t.Errorf("post-rebuild assignment = %+v, want cluster %d", againB, b.ClusterID)
	}
}

func TestSubmitClaimReportsVerificationState(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	res, err := e.SubmitClaim(ctx, Claim{
		MessageID:  "m1",
		Text:       "the claim",
		Vector:     cBoundary,
		ReceivedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsVerification || res.Verdict != nil {
		t.Errorf("fresh cluster result = %+v, want pending without verdict", res)
	}

	if err := st.SetVerdict(ctx, &store.Verdict{
		ClusterID:  res.ClusterID,
		Status:     store.StatusFalse,
		Confidence: 0.9,
		ShortReply: "False.",
	}); err != nil {
		t.Fatal(err)
	}

	res2, err := e.SubmitClaim(ctx, Claim{
		MessageID:  "m2",
		Text:       "the claim again",
		Vector:     cBoundary,
		ReceivedAt: time.Date(2025, 6, 1, 11, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res2.NeedsVerification {
		t.Error("verified cluster still reported as needing verification")
	}
	if res2.Verdict == nil || res2.Verdict.Status != store.StatusFalse {
		t.Errorf("cached verdict = %+v", res2.Verdict)
	}
}

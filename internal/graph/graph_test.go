package graph

import (
	"context"
	"testing"
	"time"

	"github.com/whatsamyth/claimgraph/internal/store"
)

// testConfig shrinks the baseline window so tests can build history
// with a handful of buckets.
func testConfig() Config {
	return Config{
		SpikeMultiplier: 3.0,
		RearmFactor:     1.5,
		BaselineWindow:  4,
		BucketSize:      time.Hour,
		Retention:       48 * time.Hour,
	}
}

func newTestGraph(t *testing.T) (*Graph, *store.SQLiteStore, int64) {
	t.Helper()
	st, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	c := &store.Cluster{CanonicalText: "the claim", Centroid: []float32{1, 0}}
	msg := &store.Message{ID: "m1", Similarity: 1.0, ReceivedAt: base}
	if err := st.CreateCluster(context.Background(), c, msg, base.Unix()); err != nil {
		t.Fatalf("creating cluster: %v", err)
	}
	return New(st, testConfig()), st, c.ID
}

// fillBuckets writes count sightings into each hourly bucket from
// start for n hours.
func fillBuckets(t *testing.T, st *store.SQLiteStore, clusterID int64, start time.Time, n int, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		bucket := start.Add(time.Duration(i) * time.Hour).Unix()
		for j := 0; j < count; j++ {
			if err := st.IncrementBucket(ctx, clusterID, bucket); err != nil {
				t.Fatalf("IncrementBucket: %v", err)
			}
		}
	}
}

func TestSpikeFiresAtMultiplier(t *testing.T) {
	g, st, id := newTestGraph(t)
	ctx := context.Background()

	// Baseline: 1 msg/h over the 4-bucket window, then 3 msgs in the
	// bucket under evaluation.
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	fillBuckets(t, st, id, base, 4, 1)
	fillBuckets(t, st, id, base.Add(4*time.Hour), 1, 3)

	now := base.Add(5*time.Hour + 30*time.Minute)
	ev, err := g.CheckSpike(ctx, id, now)
	if err != nil {
		t.Fatalf("CheckSpike: %v", err)
	}
	if ev == nil {
		t.Fatal("expected a spike at 3x baseline")
	}
	if ev.BaselineRate != 1.0 {
		t.Errorf("baseline = %f, want 1.0", ev.BaselineRate)
	}
	if ev.ObservedRate != 3.0 {
		t.Errorf("observed = %f, want 3.0", ev.ObservedRate)
	}

	events, err := st.ListSpikeEvents(ctx, id, base, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d spike events, want 1", len(events))
	}
}

func TestSpikeBelowMultiplierStaysQuiet(t *testing.T) {
	g, st, id := newTestGraph(t)

	// Baseline 2/h, then 5 in the bucket under evaluation: 2.5x,
	// below the 3x bar.
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	fillBuckets(t, st, id, base, 4, 2)
	fillBuckets(t, st, id, base.Add(4*time.Hour), 1, 5)

	ev, err := g.CheckSpike(context.Background(), id, base.Add(5*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if ev != nil {
		t.Errorf("spike fired at 2.5x baseline: %+v", ev)
	}
}

func TestSpikeExactlyOncePerElevation(t *testing.T) {
	g, st, id := newTestGraph(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	fillBuckets(t, st, id, base, 4, 1)
	fillBuckets(t, st, id, base.Add(4*time.Hour), 1, 5)

	now := base.Add(5 * time.Hour)
	ev, err := g.CheckSpike(ctx, id, now)
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil {
		t.Fatal("expected a spike")
	}

	// Re-checking the same elevated state must not emit again.
	for i := 0; i < 3; i++ {
		ev, err := g.CheckSpike(ctx, id, now)
		if err != nil {
			t.Fatal(err)
		}
		if ev != nil {
			t.Fatalf("repeat check %d emitted another spike", i)
		}
	}

	events, _ := st.ListSpikeEvents(ctx, id, base, 0)
	if len(events) != 1 {
		t.Errorf("got %d spike events, want 1", len(events))
	}
}

func TestSpikeRearmsAfterQuietPeriod(t *testing.T) {
	g, st, id := newTestGraph(t)
	ctx := context.Background()

	// Baseline 2/h, then an 8-sighting bucket: 4x, fires.
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	fillBuckets(t, st, id, base, 4, 2)
	fillBuckets(t, st, id, base.Add(4*time.Hour), 1, 8)

	if ev, _ := g.CheckSpike(ctx, id, base.Add(5*time.Hour)); ev == nil {
		t.Fatal("expected initial spike")
	}

	// One quiet hour: rate 1 < baseline*1.5, so the detector re-arms.
	fillBuckets(t, st, id, base.Add(5*time.Hour), 1, 1)
	if ev, _ := g.CheckSpike(ctx, id, base.Add(6*time.Hour)); ev != nil {
		t.Fatalf("quiet bucket emitted a spike: %+v", ev)
	}
	c, _ := st.GetCluster(ctx, id)
	if !c.SpikeArmed {
		t.Fatal("detector did not re-arm after the quiet bucket")
	}

	// Second surge fires a second event. The baseline window now
	// includes the first spike bucket, so the bar is higher.
	fillBuckets(t, st, id, base.Add(6*time.Hour), 1, 12)
	ev, err := g.CheckSpike(ctx, id, base.Add(7*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil {
		t.Fatal("expected a second spike after re-arming")
	}

	events, _ := st.ListSpikeEvents(ctx, id, base, 0)
	if len(events) != 2 {
		t.Errorf("got %d spike events, want 2", len(events))
	}
}

func TestNoSpikeWithoutBaseline(t *testing.T) {
	g, st, id := newTestGraph(t)

	// Brand-new cluster: a burst with an empty trailing window is not
	// a spike, it is just a new myth.
	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	fillBuckets(t, st, id, base.Add(4*time.Hour), 1, 50)

	ev, err := g.CheckSpike(context.Background(), id, base.Add(5*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if ev != nil {
		t.Errorf("spike fired with zero baseline: %+v", ev)
	}
}

func TestCheckSpikesSweep(t *testing.T) {
	g, st, id := newTestGraph(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	fillBuckets(t, st, id, base, 4, 1)
	fillBuckets(t, st, id, base.Add(4*time.Hour), 1, 6)

	events, err := g.CheckSpikes(ctx, base.Add(5*time.Hour))
	if err != nil {
		t.Fatalf("CheckSpikes: %v", err)
	}
	if len(events) != 1 || events[0].ClusterID != id {
		t.Errorf("sweep events = %+v", events)
	}
}

func TestRecordSightingAndPrune(t *testing.T) {
	g, st, id := newTestGraph(t)
	ctx := context.Background()

	old := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	recent := old.Add(72 * time.Hour)
	for _, at := range []time.Time{old, old.Add(30 * time.Minute), recent} {
		if err := g.RecordSighting(ctx, id, at); err != nil {
			t.Fatalf("RecordSighting: %v", err)
		}
	}

	// Both old sightings land in the same hourly bucket.
	n, err := st.BucketCount(ctx, id, old.Unix())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("bucket count = %d, want 2", n)
	}

	// Retention is 48h, so the old bucket falls off and the recent
	// one survives.
	pruned, err := g.PruneExpired(ctx, recent.Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if pruned < 1 {
		t.Errorf("pruned = %d, want at least 1", pruned)
	}
	n, err = st.BucketCount(ctx, id, recent.Truncate(time.Hour).Unix())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("recent bucket count = %d, want 1", n)
	}
}

func TestPredictReemergence(t *testing.T) {
	g, st, id := newTestGraph(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	// No history: near-zero probability.
	p, err := g.PredictReemergence(ctx, id, now)
	if err != nil {
		t.Fatal(err)
	}
	if p.Probability > 0.1 {
		t.Errorf("probability with no history = %f", p.Probability)
	}

	// Two spikes 48h apart, last one 48h ago: due again.
	for _, at := range []time.Time{now.Add(-96 * time.Hour), now.Add(-48 * time.Hour)} {
		if err := st.AddSpikeEvent(ctx, &store.SpikeEvent{
			ClusterID: id, DetectedAt: at, BaselineRate: 1, ObservedRate: 5,
		}); err != nil {
			t.Fatal(err)
		}
	}

	p, err = g.PredictReemergence(ctx, id, now)
	if err != nil {
		t.Fatal(err)
	}
	if p.Probability < 0.4 {
		t.Errorf("probability at the average interval = %f, want >= 0.4", p.Probability)
	}
	if p.AvgIntervalHours != 48 {
		t.Errorf("avg interval = %f, want 48", p.AvgIntervalHours)
	}

	top, err := g.PredictTop(ctx, now, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 || top[0].ClusterID != id {
		t.Errorf("PredictTop = %+v", top)
	}
}

func TestRelatedLoadsNeighbors(t *testing.T) {
	g, st, id := newTestGraph(t)
	ctx := context.Background()

	other := &store.Cluster{CanonicalText: "adjacent myth", Centroid: []float32{0, 1}}
	msg := &store.Message{ID: "m2", Similarity: 1.0, ReceivedAt: time.Now().UTC()}
	if err := st.CreateCluster(ctx, other, msg, time.Now().Truncate(time.Hour).Unix()); err != nil {
		t.Fatal(err)
	}
	if err := st.AddRelation(ctx, id, other.ID, 2); err != nil {
		t.Fatal(err)
	}

	related, err := g.Related(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(related) != 1 {
		t.Fatalf("got %d related, want 1", len(related))
	}
	if related[0].Cluster.ID != other.ID || related[0].Weight != 2 {
		t.Errorf("related = %+v", related[0])
	}
	if related[0].Cluster.CanonicalText != "adjacent myth" {
		t.Errorf("neighbor not loaded: %+v", related[0].Cluster)
	}
}

package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/whatsamyth/claimgraph/internal/store"
)

// stubVerifier counts invocations and returns a canned verdict or error.
type stubVerifier struct {
	calls   atomic.Int64
	delay   time.Duration
	verdict *store.Verdict
	err     error
}

func (s *stubVerifier) Verify(ctx context.Context, clusterID int64, claimText string) (*store.Verdict, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	v := *s.verdict
	return &v, nil
}

func newTestCluster(t *testing.T) (*store.SQLiteStore, int64) {
	t.Helper()
	st, err := store.NewStore(store.Config{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := &store.Cluster{CanonicalText: "the claim", Centroid: []float32{1, 0}}
	msg := &store.Message{ID: "m1", Similarity: 1.0, ReceivedAt: time.Now().UTC()}
	if err := st.CreateCluster(context.Background(), c, msg, time.Now().Truncate(time.Hour).Unix()); err != nil {
		t.Fatalf("creating cluster: %v", err)
	}
	return st, c.ID
}

func falseVerdict() *store.Verdict {
	return &store.Verdict{
		Status:     store.StatusFalse,
		Confidence: 0.95,
		ShortReply: "This claim is false.",
	}
}

func TestVerifyPersistsVerdict(t *testing.T) {
	st, id := newTestCluster(t)
	stub := &stubVerifier{verdict: falseVerdict()}
	d := NewDispatcher(st, stub, DefaultConfig())

	v, err := d.Verify(context.Background(), id)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Status != store.StatusFalse {
		t.Errorf("status = %s, want FALSE", v.Status)
	}

	c, err := st.GetCluster(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != store.StatusFalse {
		t.Errorf("persisted status = %s, want FALSE", c.Status)
	}
	if c.Verdict == nil || c.Verdict.ShortReply != "This claim is false." {
		t.Errorf("persisted verdict = %+v", c.Verdict)
	}
}

func TestConcurrentCallersShareOneVerification(t *testing.T) {
	st, id := newTestCluster(t)
	stub := &stubVerifier{verdict: falseVerdict(), delay: 100 * time.Millisecond}
	d := NewDispatcher(st, stub, DefaultConfig())

	const callers = 50
	var wg sync.WaitGroup
	results := make([]*store.Verdict, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = d.Verify(context.Background(), id)
		}(i)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Status != store.StatusFalse {
			t.Fatalf("caller %d got status %s", i, results[i].Status)
		}
	}
	if got := stub.calls.Load(); got != 1 {
		t.Errorf("verifier invoked %d times for %d callers, want exactly 1", got, callers)
	}
}

func TestTerminalClusterSkipsExternalCall(t *testing.T) {
	st, id := newTestCluster(t)
	stub := &stubVerifier{verdict: falseVerdict()}
	d := NewDispatcher(st, stub, DefaultConfig())

	if _, err := d.Verify(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Verify(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if got := stub.calls.Load(); got != 1 {
		t.Errorf("verifier invoked %d times, want 1 (second call served from cache)", got)
	}
}

func TestFailedVerificationLeavesClusterPending(t *testing.T) {
	st, id := newTestCluster(t)
	stub := &stubVerifier{err: fmt.Errorf("upstream down")}
	d := NewDispatcher(st, stub, Config{
		Timeout:     time.Second,
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
	})

	_, err := d.Verify(context.Background(), id)
	if !errors.Is(err, ErrVerificationUnavailable) {
		t.Fatalf("error = %v, want ErrVerificationUnavailable", err)
	}
	if got := stub.calls.Load(); got != 3 {
		t.Errorf("verifier invoked %d times, want 3 (initial + 2 retries)", got)
	}

	c, _ := st.GetCluster(context.Background(), id)
	if c.Status != store.StatusPending {
		t.Errorf("status after failure = %s, want PENDING_VERIFICATION", c.Status)
	}

	// The next call retries from durable state and can succeed.
	stub.err = nil
	stub.verdict = falseVerdict()
	v, err := d.Verify(context.Background(), id)
	if err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	if v.Status != store.StatusFalse {
		t.Errorf("status = %s, want FALSE", v.Status)
	}
}

func TestCallerDeadlineDoesNotCancelSharedFlight(t *testing.T) {
	st, id := newTestCluster(t)
	stub := &stubVerifier{verdict: falseVerdict(), delay: 150 * time.Millisecond}
	d := NewDispatcher(st, stub, DefaultConfig())

	// Impatient caller times out first.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Verify(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("impatient caller error = %v, want deadline exceeded", err)
	}

	// The flight keeps running and lands the verdict.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err := st.GetCluster(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if c.Status == store.StatusFalse {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("verdict never persisted after caller timeout")
}

func TestLateDuplicateResultDiscarded(t *testing.T) {
	st, id := newTestCluster(t)

	// Another path verified first.
	if err := st.SetVerdict(context.Background(), &store.Verdict{
		ClusterID:  id,
		Status:     store.StatusMisleading,
		ShortReply: "Misleading.",
	}); err != nil {
		t.Fatal(err)
	}

	stub := &stubVerifier{verdict: falseVerdict()}
	d := NewDispatcher(st, stub, DefaultConfig())

	v, err := d.Verify(context.Background(), id)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Status != store.StatusMisleading {
		t.Errorf("status = %s, want the first verdict MISLEADING", v.Status)
	}
	if got := stub.calls.Load(); got != 0 {
		t.Errorf("verifier invoked %d times for terminal cluster, want 0", got)
	}
}

func TestVerifyUnknownCluster(t *testing.T) {
	st, _ := newTestCluster(t)
	d := NewDispatcher(st, &stubVerifier{verdict: falseVerdict()}, DefaultConfig())

	if _, err := d.Verify(context.Background(), 9999); !errors.Is(err, store.ErrClusterNotFound) {
		t.Errorf("error = %v, want ErrClusterNotFound", err)
	}
}

// Package verify dispatches cluster verification to an external
// verifier while guaranteeing at most one in-flight verification per
// cluster. Concurrent callers for the same cluster join the single
// in-flight call and all receive its verdict.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/whatsamyth/claimgraph/internal/store"
)

// ErrVerificationUnavailable is returned when the verifier could not
// produce a verdict within the retry budget. The cluster remains
// pending and a later call retries from scratch.
var ErrVerificationUnavailable = errors.New("verification unavailable")

// Verifier produces a verdict for a claim cluster. Implementations are
// expected to be slow (seconds); the dispatcher bounds them with its
// own timeout.
type Verifier interface {
	Verify(ctx context.Context, clusterID int64, claimText string) (*store.Verdict, error)
}

// Config holds dispatcher tunables.
type Config struct {
	// Timeout bounds one whole verification attempt sequence.
	Timeout time.Duration
	// MaxRetries is how many times a failed attempt is retried.
	MaxRetries int
	// BaseBackoff is the first retry delay; it doubles per retry.
	BaseBackoff time.Duration
}

// DefaultConfig returns the standard dispatcher parameters.
func DefaultConfig() Config {
	return Config{
		Timeout:     60 * time.Second,
		MaxRetries:  2,
		BaseBackoff: 500 * time.Millisecond,
	}
}

// Dispatcher coordinates verification calls per cluster.
type Dispatcher struct {
	store    *store.SQLiteStore
	verifier Verifier
	cfg      Config
	group    singleflight.Group
}

// NewDispatcher creates a dispatcher over the given store and verifier.
func NewDispatcher(st *store.SQLiteStore, v Verifier, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	return &Dispatcher{store: st, verifier: v, cfg: cfg}
}

// Verify returns the cluster's verdict, producing one externally if
// needed. Terminal clusters return their stored verdict without any
// external call. For pending clusters, concurrent callers share a
// single in-flight verification; a caller whose context expires gets
// its context error while the shared call runs to completion, persists
// the verdict, and serves the remaining callers.
func (d *Dispatcher) Verify(ctx context.Context, clusterID int64) (*store.Verdict, error) {
	c, err := d.store.GetCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if c.Status.Terminal() {
		if c.Verdict != nil {
			return c.Verdict, nil
		}
		// Terminal without a verdict row: report the status alone.
		return &store.Verdict{ClusterID: c.ID, Status: c.Status}, nil
	}

	key := strconv.FormatInt(clusterID, 10)
	ch := d.group.DoChan(key, func() (any, error) {
		// The flight owns its own deadline: a joiner bailing out must
		// not cancel work other callers are waiting on.
		return d.runFlight(clusterID, c.CanonicalText)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*store.Verdict), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for verification of cluster %d: %w", clusterID, ctx.Err())
	}
}

// runFlight performs the attempts for one single-flight verification.
func (d *Dispatcher) runFlight(clusterID int64, claimText string) (*store.Verdict, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	var lastErr error
	backoff := d.cfg.BaseBackoff
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: cluster %d: %v", ErrVerificationUnavailable, clusterID, ctx.Err())
			}
			backoff *= 2
		}

		verdict, err := d.verifier.Verify(ctx, clusterID, claimText)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		verdict.ClusterID = clusterID
		return d.persist(clusterID, verdict)
	}

	// Exhausted: the cluster stays PENDING_VERIFICATION so the next
	// call retries from durable state.
	return nil, fmt.Errorf("%w: cluster %d: %v", ErrVerificationUnavailable, clusterID, lastErr)
}

// persist writes the verdict under a fresh deadline so a verification
// that finished just past the flight timeout is not lost.
func (d *Dispatcher) persist(clusterID int64, verdict *store.Verdict) (*store.Verdict, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := d.store.SetVerdict(ctx, verdict)
	if err == nil {
		return verdict, nil
	}
	if errors.Is(err, store.ErrTerminalStatus) {
		// Another path verified first; serve what won.
		stored, gerr := d.store.GetVerdict(ctx, clusterID)
		if gerr == nil && stored != nil {
			return stored, nil
		}
	}
	return nil, fmt.Errorf("persisting verdict for cluster %d: %w", clusterID, err)
}

package store

import (
	"context"
	"fmt"
	"time"
)

// BucketCount returns the sighting count for one hourly bucket.
// Missing buckets count as zero.
func (s *SQLiteStore) BucketCount(ctx context.Context, clusterID, bucketStart int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM sighting_buckets
		WHERE cluster_id = ? AND bucket_start = ?`,
		clusterID, bucketStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("reading bucket for cluster %d: %w", clusterID, err)
	}
	return count, nil
}

// BucketTotal sums sighting counts over [from, to). Empty buckets in
// the range contribute zero, so a baseline mean divides this total by
// the number of buckets in the window, not by rows present.
func (s *SQLiteStore) BucketTotal(ctx context.Context, clusterID, from, to int64) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(count), 0) FROM sighting_buckets
		WHERE cluster_id = ? AND bucket_start >= ? AND bucket_start < ?`,
		clusterID, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing buckets for cluster %d: %w", clusterID, err)
	}
	return total, nil
}

// IncrementBucket bumps a sighting bucket outside of an attach
// transaction (used when recording sightings for already-known
// messages or external feeds).
func (s *SQLiteStore) IncrementBucket(ctx context.Context, clusterID, bucketStart int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	if err := incrementBucket(ctx, tx, clusterID, bucketStart); err != nil {
		return err
	}
	return tx.Commit()
}

// PruneBuckets deletes sighting buckets older than the retention
// horizon. Returns the number of rows removed.
func (s *SQLiteStore) PruneBuckets(ctx context.Context, before int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sighting_buckets WHERE bucket_start < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning sighting buckets: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned buckets: %w", err)
	}
	return n, nil
}

// ClustersSeenSince returns the ids of clusters with at least one
// sighting bucket at or after the given unix-second boundary. Used by
// the spike sweep to skip long-dormant clusters.
func (s *SQLiteStore) ClustersSeenSince(ctx context.Context, since int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT cluster_id FROM sighting_buckets
		WHERE bucket_start >= ? ORDER BY cluster_id`, since)
	if err != nil {
		return nil, fmt.Errorf("listing recently seen clusters: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning cluster id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetSpikeArmed flips the per-cluster spike arming flag. An armed
// cluster may emit a spike event; a disarmed one stays silent until it
// re-arms below the re-arm threshold.
func (s *SQLiteStore) SetSpikeArmed(ctx context.Context, clusterID int64, armed bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE clusters SET spike_armed = ? WHERE id = ?",
		boolToInt(armed), clusterID)
	if err != nil {
		return fmt.Errorf("updating spike arming for cluster %d: %w", clusterID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking spike arming update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cluster %d: %w", clusterID, ErrClusterNotFound)
	}
	return nil
}

// AddSpikeEvent appends a spike event. Sets ev.ID on success.
func (s *SQLiteStore) AddSpikeEvent(ctx context.Context, ev *SpikeEvent) error {
	if ev.DetectedAt.IsZero() {
		ev.DetectedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO spike_events (cluster_id, detected_at, baseline_rate, observed_rate)
		VALUES (?, ?, ?, ?)`,
		ev.ClusterID, ev.DetectedAt, ev.BaselineRate, ev.ObservedRate)
	if err != nil {
		return fmt.Errorf("recording spike for cluster %d: %w", ev.ClusterID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading spike event id: %w", err)
	}
	ev.ID = id
	return nil
}

// ListSpikeEvents returns spike events detected at or after since,
// newest first. clusterID of 0 means all clusters.
func (s *SQLiteStore) ListSpikeEvents(ctx context.Context, clusterID int64, since time.Time, limit int) ([]*SpikeEvent, error) {
	query := `
		SELECT id, cluster_id, detected_at, baseline_rate, observed_rate
		FROM spike_events WHERE detected_at >= ?`
	args := []any{since}
	if clusterID != 0 {
		query += " AND cluster_id = ?"
		args = append(args, clusterID)
	}
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY detected_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing spike events: %w", err)
	}
	defer rows.Close()

	var out []*SpikeEvent
	for rows.Next() {
		ev := &SpikeEvent{}
		if err := rows.Scan(&ev.ID, &ev.ClusterID, &ev.DetectedAt, &ev.BaselineRate, &ev.ObservedRate); err != nil {
			return nil, fmt.Errorf("scanning spike event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SpikeClusterIDs returns the ids of every cluster that has at least
// one spike event on record.
func (s *SQLiteStore) SpikeClusterIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT cluster_id FROM spike_events ORDER BY cluster_id")
	if err != nil {
		return nil, fmt.Errorf("listing spiking clusters: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning cluster id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SpikeTimes returns the detection times for a cluster's spike events,
// oldest first. Used by re-emergence prediction.
func (s *SQLiteStore) SpikeTimes(ctx context.Context, clusterID int64) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT detected_at FROM spike_events
		WHERE cluster_id = ? ORDER BY detected_at ASC`, clusterID)
	if err != nil {
		return nil, fmt.Errorf("reading spike history for cluster %d: %w", clusterID, err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scanning spike time: %w", err)
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

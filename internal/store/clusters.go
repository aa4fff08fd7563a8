package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateCluster inserts a new cluster seeded by its first message and
// increments the message's sighting bucket, all in one transaction.
// Sets c.ID on success. bucketStart is the unix-second start of the
// hourly bucket the message falls in.
func (s *SQLiteStore) CreateCluster(ctx context.Context, c *Cluster, msg *Message, bucketStart int64) error {
	if c.Status == "" {
		c.Status = StatusPending
	}
	if c.FirstSeenAt.IsZero() {
		c.FirstSeenAt = msg.ReceivedAt
	}
	if c.LastSeenAt.IsZero() {
		c.LastSeenAt = msg.ReceivedAt
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var centroid []byte
	if len(c.Centroid) > 0 {
		centroid = encodeVector(c.Centroid)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO clusters (canonical_text, status, message_count, centroid, dimensions, unclusterable, spike_armed, first_seen_at, last_seen_at)
		VALUES (?, ?, 1, ?, ?, ?, 1, ?, ?)`,
		c.CanonicalText, string(c.Status), centroid, len(c.Centroid),
		boolToInt(c.Unclusterable), c.FirstSeenAt, c.LastSeenAt)
	if err != nil {
		return fmt.Errorf("inserting cluster: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading cluster id: %w", err)
	}

	msg.ClusterID = id
	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}
	if err := incrementBucket(ctx, tx, id, bucketStart); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cluster: %w", err)
	}

	c.ID = id
	c.MessageCount = 1
	c.SpikeArmed = true
	return nil
}

// AttachMessage appends a message to an existing cluster: inserts the
// message row, bumps the count, replaces the centroid with the new
// running mean, advances last_seen_at, and increments the sighting
// bucket. One transaction.
func (s *SQLiteStore) AttachMessage(ctx context.Context, msg *Message, newCentroid []float32, bucketStart int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMessage(ctx, tx, msg); err != nil {
		return err
	}

	var centroid []byte
	if len(newCentroid) > 0 {
		centroid = encodeVector(newCentroid)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE clusters
		SET message_count = message_count + 1,
		    centroid = COALESCE(?, centroid),
		    last_seen_at = MAX(last_seen_at, ?)
		WHERE id = ?`,
		centroid, msg.ReceivedAt, msg.ClusterID)
	if err != nil {
		return fmt.Errorf("updating cluster %d: %w", msg.ClusterID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking cluster update: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("cluster %d: %w", msg.ClusterID, ErrClusterNotFound)
	}

	if err := incrementBucket(ctx, tx, msg.ClusterID, bucketStart); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message attach: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, msg *Message) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, cluster_id, similarity, source, received_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, msg.ClusterID, msg.Similarity, msg.Source, msg.ReceivedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return fmt.Errorf("message %s: %w", msg.ID, ErrDuplicateMessage)
		}
		return fmt.Errorf("inserting message %s: %w", msg.ID, err)
	}
	return nil
}

func incrementBucket(ctx context.Context, tx *sql.Tx, clusterID, bucketStart int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sighting_buckets (cluster_id, bucket_start, count)
		VALUES (?, ?, 1)
		ON CONFLICT(cluster_id, bucket_start) DO UPDATE SET count = count + 1`,
		clusterID, bucketStart)
	if err != nil {
		return fmt.Errorf("incrementing sighting bucket: %w", err)
	}
	return nil
}

// GetCluster loads a cluster by id, including its verdict if one exists.
func (s *SQLiteStore) GetCluster(ctx context.Context, id int64) (*Cluster, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, canonical_text, status, message_count, centroid, unclusterable, spike_armed, first_seen_at, last_seen_at
		FROM clusters WHERE id = ?`, id)

	c, err := scanCluster(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("cluster %d: %w", id, ErrClusterNotFound)
		}
		return nil, err
	}

	v, err := s.GetVerdict(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Verdict = v
	return c, nil
}

// GetMessage returns the attachment record for a message id, or nil if
// the message has never been seen.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, cluster_id, similarity, source, received_at
		FROM messages WHERE id = ?`, id)

	m := &Message{}
	err := row.Scan(&m.ID, &m.ClusterID, &m.Similarity, &m.Source, &m.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading message %s: %w", id, err)
	}
	return m, nil
}

// ListClusters returns clusters ordered by last_seen_at descending.
func (s *SQLiteStore) ListClusters(ctx context.Context, filter ClusterFilter) ([]*Cluster, error) {
	query := `
		SELECT id, canonical_text, status, message_count, centroid, unclusterable, spike_armed, first_seen_at, last_seen_at
		FROM clusters`
	args := []any{}

	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY last_seen_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*Cluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// AllCentroids streams every indexable centroid for an index rebuild.
// Unclusterable clusters and clusters without a stored vector are
// skipped; they were never in the index.
func (s *SQLiteStore) AllCentroids(ctx context.Context) ([]Centroid, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, centroid FROM clusters
		WHERE unclusterable = 0 AND centroid IS NOT NULL
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("reading centroids: %w", err)
	}
	defer rows.Close()

	var out []Centroid
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scanning centroid: %w", err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("cluster %d centroid: %w", id, err)
		}
		if len(vec) == 0 {
			continue
		}
		out = append(out, Centroid{ClusterID: id, Vector: vec})
	}
	return out, rows.Err()
}

// IndexableCount returns how many clusters carry an indexable
// centroid. Used to detect a stale index snapshot at startup.
func (s *SQLiteStore) IndexableCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM clusters
		WHERE unclusterable = 0 AND centroid IS NOT NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting indexable clusters: %w", err)
	}
	return n, nil
}

// SetVerdict records a verification result: writes the verdict row and
// transitions the cluster's status, atomically. Transitions are forward
// only — a cluster already holding a terminal status is left untouched
// and ErrTerminalStatus is returned so the caller can discard the late
// result.
func (s *SQLiteStore) SetVerdict(ctx context.Context, v *Verdict) error {
	if !v.Status.Terminal() {
		return fmt.Errorf("verdict for cluster %d carries non-terminal status %q", v.ClusterID, v.Status)
	}
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = time.Now().UTC()
	}

	sources, err := json.Marshal(v.Sources)
	if err != nil {
		return fmt.Errorf("encoding verdict sources: %w", err)
	}
	evidence, err := json.Marshal(v.Evidence)
	if err != nil {
		return fmt.Errorf("encoding verdict evidence: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	// Only a pending cluster moves; terminal statuses never regress.
	res, err := tx.ExecContext(ctx, `
		UPDATE clusters SET status = ?
		WHERE id = ? AND status = ?`,
		string(v.Status), v.ClusterID, string(StatusPending))
	if err != nil {
		return fmt.Errorf("transitioning cluster %d: %w", v.ClusterID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking status transition: %w", err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status FROM clusters WHERE id = ?", v.ClusterID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("cluster %d: %w", v.ClusterID, ErrClusterNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading cluster %d status: %w", v.ClusterID, err)
		}
		return fmt.Errorf("cluster %d is %s: %w", v.ClusterID, current, ErrTerminalStatus)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO verdicts (cluster_id, status, confidence, short_reply, long_reply, sources, evidence, verified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cluster_id) DO UPDATE SET
			status = excluded.status,
			confidence = excluded.confidence,
			short_reply = excluded.short_reply,
			long_reply = excluded.long_reply,
			sources = excluded.sources,
			evidence = excluded.evidence,
			verified_at = excluded.verified_at`,
		v.ClusterID, string(v.Status), v.Confidence, v.ShortReply, v.LongReply,
		string(sources), string(evidence), v.VerifiedAt); err != nil {
		return fmt.Errorf("writing verdict for cluster %d: %w", v.ClusterID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing verdict: %w", err)
	}
	return nil
}

// GetVerdict returns the stored verdict for a cluster, or nil if the
// cluster has never been verified.
func (s *SQLiteStore) GetVerdict(ctx context.Context, clusterID int64) (*Verdict, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cluster_id, status, confidence, short_reply, long_reply, sources, evidence, verified_at
		FROM verdicts WHERE cluster_id = ?`, clusterID)

	v := &Verdict{}
	var (
		status   string
		sources  string
		evidence string
	)
	err := row.Scan(&v.ClusterID, &status, &v.Confidence, &v.ShortReply, &v.LongReply, &sources, &evidence, &v.VerifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading verdict for cluster %d: %w", clusterID, err)
	}
	v.Status = Status(status)
	if err := json.Unmarshal([]byte(sources), &v.Sources); err != nil {
		return nil, fmt.Errorf("decoding verdict sources: %w", err)
	}
	if err := json.Unmarshal([]byte(evidence), &v.Evidence); err != nil {
		return nil, fmt.Errorf("decoding verdict evidence: %w", err)
	}
	return v, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCluster(row rowScanner) (*Cluster, error) {
	c := &Cluster{}
	var (
		status        string
		centroid      []byte
		unclusterable int
		spikeArmed    int
	)
	err := row.Scan(&c.ID, &c.CanonicalText, &status, &c.MessageCount,
		&centroid, &unclusterable, &spikeArmed, &c.FirstSeenAt, &c.LastSeenAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning cluster: %w", err)
	}
	c.Status = Status(status)
	c.Unclusterable = unclusterable == 1
	c.SpikeArmed = spikeArmed == 1
	if len(centroid) > 0 {
		vec, err := decodeVector(centroid)
		if err != nil {
			return nil, fmt.Errorf("cluster %d centroid: %w", c.ID, err)
		}
		c.Centroid = vec
	}
	return c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

package store

import (
	"context"
	"fmt"
	"time"
)

// AddRelation records (or strengthens) the undirected weak edge between
// two clusters. Edges are stored normalized with low_id < high_id;
// repeated sightings accumulate weight.
func (s *SQLiteStore) AddRelation(ctx context.Context, a, b int64, weight float64) error {
	if a == b {
		return fmt.Errorf("relation requires two distinct clusters, got %d twice", a)
	}
	low, high := a, b
	if low > high {
		low, high = high, low
	}
	if weight <= 0 {
		weight = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cluster_relations (low_id, high_id, weight, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(low_id, high_id) DO UPDATE SET weight = weight + excluded.weight`,
		low, high, weight, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording relation %d<->%d: %w", low, high, err)
	}
	return nil
}

// Related returns the weak-edge neighbors of a cluster, strongest first.
func (s *SQLiteStore) Related(ctx context.Context, clusterID int64) ([]Relation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN low_id = ? THEN high_id ELSE low_id END AS other, weight
		FROM cluster_relations
		WHERE low_id = ? OR high_id = ?
		ORDER BY weight DESC, other ASC`,
		clusterID, clusterID, clusterID)
	if err != nil {
		return nil, fmt.Errorf("reading relations for cluster %d: %w", clusterID, err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		var r Relation
		if err := rows.Scan(&r.ClusterID, &r.Weight); err != nil {
			return nil, fmt.Errorf("scanning relation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

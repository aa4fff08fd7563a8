// Package store provides the SQLite storage layer for claimgraph.
//
// All durable state lives in a single SQLite database file:
// - Claim clusters with centroid vectors and verification status
// - Per-message attachment records (append-only)
// - Verdicts produced by the verification collaborator
// - Weak relation edges between similar-but-distinct clusters
// - Hourly sighting counters and the append-only spike event log
//
// The store is the source of truth; the ANN index is a derived cache
// rebuilt from stored centroids after a crash.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.claimgraph/claimgraph.db"

// Status is the verification status of a claim cluster.
type Status string

const (
	StatusPending       Status = "PENDING_VERIFICATION"
	StatusTrue          Status = "TRUE"
	StatusFalse         Status = "FALSE"
	StatusMisleading    Status = "MISLEADING"
	StatusPartiallyTrue Status = "PARTIALLY_TRUE"
	StatusUnverifiable  Status = "UNVERIFIABLE"
)

// Terminal reports whether the status is final. Terminal statuses are
// never regressed; a late duplicate verification result is discarded.
func (s Status) Terminal() bool {
	switch s {
	case StatusTrue, StatusFalse, StatusMisleading, StatusPartiallyTrue, StatusUnverifiable:
		return true
	}
	return false
}

// ParseStatus validates a status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if s == StatusPending || s.Terminal() {
		return s, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// Cluster is a group of claims considered the same myth.
type Cluster struct {
	ID            int64     `json:"id"`
	CanonicalText string    `json:"canonical_text"`
	Status        Status    `json:"status"`
	MessageCount  int64     `json:"message_count"`
	Centroid      []float32 `json:"-"`
	Unclusterable bool      `json:"unclusterable,omitempty"`
	SpikeArmed    bool      `json:"-"`
	FirstSeenAt   time.Time `json:"first_seen_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	Verdict       *Verdict  `json:"verdict,omitempty"`
}

// Source is one evidence reference inside a verdict.
type Source struct {
	URL       string  `json:"source_url"`
	Name      string  `json:"source_name"`
	Title     string  `json:"title,omitempty"`
	Snippet   string  `json:"snippet,omitempty"`
	Relevance float64 `json:"relevance_score,omitempty"`
}

// Verdict is the structured result of verifying a cluster.
type Verdict struct {
	ClusterID  int64     `json:"cluster_id"`
	Status     Status    `json:"status"`
	Confidence float64   `json:"confidence_score"`
	ShortReply string    `json:"short_reply"`
	LongReply  string    `json:"long_reply,omitempty"`
	Sources    []Source  `json:"sources,omitempty"`
	Evidence   []string  `json:"evidence_snippets,omitempty"`
	VerifiedAt time.Time `json:"verified_at"`
}

// Message records one claim attached to a cluster. Never mutated.
type Message struct {
	ID         string    `json:"id"`
	ClusterID  int64     `json:"cluster_id"`
	Similarity float64   `json:"similarity"`
	Source     string    `json:"source,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// Relation is a weak edge to a similar-but-distinct cluster.
type Relation struct {
	ClusterID int64   `json:"cluster_id"`
	Weight    float64 `json:"weight"`
}

// SpikeEvent marks a detected surge in a cluster's message rate.
type SpikeEvent struct {
	ID           int64     `json:"id"`
	ClusterID    int64     `json:"cluster_id"`
	DetectedAt   time.Time `json:"detected_at"`
	BaselineRate float64   `json:"baseline_rate"`
	ObservedRate float64   `json:"observed_rate"`
}

// Centroid pairs a cluster id with its stored vector, for index rebuild.
type Centroid struct {
	ClusterID int64
	Vector    []float32
}

// ClusterFilter controls ListClusters.
type ClusterFilter struct {
	Status Status // empty = all
	Limit  int    // 0 = default 50
	Offset int
}

// Stats holds observability counts for the store.
type Stats struct {
	ClusterCount  int64 `json:"clusters"`
	MessageCount  int64 `json:"messages"`
	VerdictCount  int64 `json:"verdicts"`
	SpikeCount    int64 `json:"spike_events"`
	RelationCount int64 `json:"relations"`
	DBSizeBytes   int64 `json:"db_size_bytes"`
}

// Config holds configuration for NewStore.
type Config struct {
	DBPath string
}

var (
	// ErrClusterNotFound is returned when a cluster id does not exist.
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrTerminalStatus is returned when a write would regress a
	// terminal verification status.
	ErrTerminalStatus = errors.New("cluster already has a terminal status")
	// ErrDuplicateMessage is returned when a message id was already
	// attached to some cluster.
	ErrDuplicateMessage = errors.New("message id already recorded")
)

// SQLiteStore is the SQLite-backed cluster store.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the cluster database.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg Config) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Every pooled connection to ":memory:" would get its own empty
	// database; pin it to one.
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetDB exposes the underlying handle for read-only diagnostics.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// Stats returns row counts and database size.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	counts := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM clusters", &st.ClusterCount},
		{"SELECT COUNT(*) FROM messages", &st.MessageCount},
		{"SELECT COUNT(*) FROM verdicts", &st.VerdictCount},
		{"SELECT COUNT(*) FROM spike_events", &st.SpikeCount},
		{"SELECT COUNT(*) FROM cluster_relations", &st.RelationCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}
	if s.dbPath != ":memory:" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = fi.Size()
		}
	}
	return st, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

package store

import (
	"database/sql"
	"fmt"
)

// bootstrapDDL creates the full schema on a fresh database. Statements
// are idempotent (IF NOT EXISTS) so opening an existing database is a
// no-op.
const bootstrapDDL = `
CREATE TABLE IF NOT EXISTS clusters (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	canonical_text  TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'PENDING_VERIFICATION',
	message_count   INTEGER NOT NULL DEFAULT 0,
	centroid        BLOB,
	dimensions      INTEGER NOT NULL DEFAULT 0,
	unclusterable   INTEGER NOT NULL DEFAULT 0,
	spike_armed     INTEGER NOT NULL DEFAULT 1,
	first_seen_at   DATETIME NOT NULL,
	last_seen_at    DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_clusters_status ON clusters(status);
CREATE INDEX IF NOT EXISTS idx_clusters_last_seen ON clusters(last_seen_at);

CREATE TABLE IF NOT EXISTS verdicts (
	cluster_id   INTEGER PRIMARY KEY REFERENCES clusters(id) ON DELETE CASCADE,
	status       TEXT NOT NULL,
	confidence   REAL NOT NULL DEFAULT 0,
	short_reply  TEXT NOT NULL DEFAULT '',
	long_reply   TEXT NOT NULL DEFAULT '',
	sources      TEXT NOT NULL DEFAULT '[]',
	evidence     TEXT NOT NULL DEFAULT '[]',
	verified_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	cluster_id   INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
	similarity   REAL NOT NULL DEFAULT 0,
	source       TEXT NOT NULL DEFAULT '',
	received_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_cluster ON messages(cluster_id);

CREATE TABLE IF NOT EXISTS cluster_relations (
	low_id      INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
	high_id     INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
	weight      REAL NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL,
	PRIMARY KEY (low_id, high_id),
	CHECK (low_id < high_id)
);

CREATE TABLE IF NOT EXISTS sighting_buckets (
	cluster_id    INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
	bucket_start  INTEGER NOT NULL,
	count         INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (cluster_id, bucket_start)
);

CREATE INDEX IF NOT EXISTS idx_buckets_start ON sighting_buckets(bucket_start);

CREATE TABLE IF NOT EXISTS spike_events (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	cluster_id     INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
	detected_at    DATETIME NOT NULL,
	baseline_rate  REAL NOT NULL,
	observed_rate  REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_spikes_cluster ON spike_events(cluster_id);
CREATE INDEX IF NOT EXISTS idx_spikes_detected ON spike_events(detected_at);
`

// migrate applies the bootstrap DDL and any incremental migrations.
func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec(bootstrapDDL); err != nil {
		return fmt.Errorf("applying bootstrap schema: %w", err)
	}

	// Incremental migrations for databases created by earlier builds.
	migrations := []struct {
		name  string
		check string
		apply string
	}{
		{
			name:  "clusters.spike_armed",
			check: "SELECT spike_armed FROM clusters LIMIT 1",
			apply: "ALTER TABLE clusters ADD COLUMN spike_armed INTEGER NOT NULL DEFAULT 1",
		},
		{
			name:  "messages.source",
			check: "SELECT source FROM messages LIMIT 1",
			apply: "ALTER TABLE messages ADD COLUMN source TEXT NOT NULL DEFAULT ''",
		},
	}

	for _, m := range migrations {
		if columnMissing(s.db, m.check) {
			if _, err := s.db.Exec(m.apply); err != nil {
				return fmt.Errorf("migration %s: %w", m.name, err)
			}
		}
	}

	return nil
}

// columnMissing probes for a column by running a cheap SELECT.
func columnMissing(db *sql.DB, probe string) bool {
	_, err := db.Exec(probe)
	return err != nil
}

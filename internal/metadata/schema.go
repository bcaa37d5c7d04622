// Package metadata provides the segment metadata store and the
// SegmentsMetadataManager: the in-memory, internally consistent view of which
// segments exist and are used for every datasource, kept in sync with the
// persistent store by periodic and on-demand polls.
package metadata

// Schema contains the SQL definitions for the segments metadata database.
// The segments table is the source of truth for segment existence and the
// used flag; the manager only ever toggles used, never deletes rows (row
// deletion belongs to retention).

// CreateSegmentsTableSQL creates the core segments table. Interval bounds are
// stored as Unix milliseconds so containment and range scans are plain
// integer comparisons. used_status_last_updated is nullable for rows
// published before the column existed.
const CreateSegmentsTableSQL = `
CREATE TABLE IF NOT EXISTS segments (
    id TEXT PRIMARY KEY,
    datasource TEXT NOT NULL,
    start_millis INTEGER NOT NULL,
    end_millis INTEGER NOT NULL,
    version TEXT NOT NULL,
    partition_num INTEGER NOT NULL DEFAULT 0,
    used INTEGER NOT NULL DEFAULT 1,
    used_status_last_updated INTEGER,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    payload BLOB NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreateSegmentsIndexesSQL creates indexes for the manager's access patterns:
// the full poll scan filters nothing, but mutation and retention queries are
// datasource- and used-scoped.
var CreateSegmentsIndexesSQL = []string{
	// Used-segment lookups per datasource (mark-as-used overshadow checks)
	`CREATE INDEX IF NOT EXISTS idx_segments_ds_used ON segments(datasource, used)`,

	// Interval containment scans per datasource
	`CREATE INDEX IF NOT EXISTS idx_segments_ds_interval ON segments(datasource, start_millis, end_millis)`,

	// Unused-retention queries ordered by staleness
	`CREATE INDEX IF NOT EXISTS idx_segments_used_updated ON segments(used, used_status_last_updated)`,
}

// AnalyzeSQL runs ANALYZE to keep the SQLite query planner informed about
// index statistics.
const AnalyzeSQL = `ANALYZE`

// AllSchemaSQL returns all SQL statements needed to initialize the segments
// metadata database.
func AllSchemaSQL() []string {
	statements := []string{CreateSegmentsTableSQL}
	statements = append(statements, CreateSegmentsIndexesSQL...)
	return statements
}

package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/golang/snappy"
	_ "github.com/mattn/go-sqlite3"

	"github.com/stratadb/strata/pkg/types"
)

// SegmentRecord is one row of the segments table as read during a poll: the
// segment descriptor, its used flag, and when the flag last changed.
// UsedStatusLastUpdated is nil for rows predating the column.
type SegmentRecord struct {
	Segment               types.DataSegment
	Used                  bool
	UsedStatusLastUpdated *time.Time
}

// SegmentStore is the contract the manager requires from the persistent
// metadata store. Implementations must support concurrent reads and atomic
// per-row flag updates; everything else about the backing store (dialect,
// pooling) is the implementation's business.
type SegmentStore interface {
	// FetchAllSegmentRecords reads every segment row. Rows whose payload
	// cannot be deserialized are skipped, not fatal; the second return value
	// is the number of rows skipped that way.
	FetchAllSegmentRecords(ctx context.Context) ([]SegmentRecord, int, error)

	// PublishSegment inserts or replaces a segment row with the given used
	// flag. Called by ingestion-side collaborators.
	PublishSegment(ctx context.Context, segment types.DataSegment, used bool) error

	// SetUsed flips the used flag for the given ids. Rows already in the
	// requested state are untouched; the return value counts actual flips.
	SetUsed(ctx context.Context, ids []types.SegmentID, used bool) (int64, error)

	// MarkDataSourceUnused marks every used segment of the datasource unused.
	MarkDataSourceUnused(ctx context.Context, datasource string) (int64, error)

	// MarkIntervalUnused marks used segments fully contained in interval as
	// unused. versions semantics: nil matches any version, a non-nil empty
	// slice matches none.
	MarkIntervalUnused(ctx context.Context, datasource string, interval types.Interval, versions []string) (int64, error)

	// RetrieveSegments returns the rows for the given ids within a
	// datasource. Missing ids are simply absent from the result.
	RetrieveSegments(ctx context.Context, datasource string, ids []types.SegmentID) ([]SegmentRecord, error)

	// RetrieveUsedSegments returns all used segments of a datasource.
	RetrieveUsedSegments(ctx context.Context, datasource string) ([]types.DataSegment, error)

	// RetrieveUnusedSegmentsInInterval returns unused segment rows fully
	// contained in interval, with the same versions semantics as
	// MarkIntervalUnused.
	RetrieveUnusedSegmentsInInterval(ctx context.Context, datasource string, interval types.Interval, versions []string) ([]SegmentRecord, error)

	// UnusedSegmentIntervals returns the distinct intervals of unused
	// segments whose used flag last changed strictly before maxLastUpdated,
	// ascending by start then end, capped at limit. Rows with a NULL
	// last-updated timestamp are excluded: their staleness cannot be proven.
	UnusedSegmentIntervals(ctx context.Context, datasource string, minStart *time.Time, maxEnd time.Time, limit int, maxLastUpdated time.Time) ([]types.Interval, error)

	// PopulateUsedFlagLastUpdated backfills NULL used_status_last_updated
	// values to now. One-shot migration for legacy rows.
	PopulateUsedFlagLastUpdated(ctx context.Context) (int64, error)

	// DeleteSegments removes rows outright. Only retention calls this; the
	// manager never does.
	DeleteSegments(ctx context.Context, ids []types.SegmentID) (int64, error)

	// RetrieveAllDataSourceNames returns the distinct datasource names across
	// all rows, used and unused.
	RetrieveAllDataSourceNames(ctx context.Context) ([]string, error)

	// Close closes the store's database connections.
	Close() error
}

// idBatchSize caps the number of bound variables per statement.
const idBatchSize = 500

// SQLiteSegmentStore implements SegmentStore using SQLite.
type SQLiteSegmentStore struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

// NewSQLiteSegmentStore opens (and if necessary initializes) the segments
// metadata database at dbPath.
func NewSQLiteSegmentStore(dbPath string) (*SQLiteSegmentStore, error) {
	// Write connection: single writer with WAL mode
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("metadata: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Read connection pool: concurrent readers via read-only mode
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("metadata: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	store := &SQLiteSegmentStore{
		db:     db,
		readDB: readDB,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		readDB.Close()
		db.Close()
		return nil, fmt.Errorf("metadata: failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteSegmentStore) initSchema() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// encodePayload serializes a segment descriptor to the snappy-compressed
// JSON blob stored in the payload column.
func encodePayload(segment types.DataSegment) ([]byte, error) {
	data, err := json.Marshal(segment)
	if err != nil {
		return nil, fmt.Errorf("metadata: failed to marshal segment payload: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// decodePayload reverses encodePayload.
func decodePayload(blob []byte) (types.DataSegment, error) {
	var segment types.DataSegment
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return segment, fmt.Errorf("metadata: failed to decompress segment payload: %w", err)
	}
	if err := json.Unmarshal(data, &segment); err != nil {
		return segment, fmt.Errorf("metadata: failed to unmarshal segment payload: %w", err)
	}
	return segment, nil
}

// FetchAllSegmentRecords reads every segment row. A row whose payload cannot
// be decoded is logged and skipped so one corrupted segment cannot blind the
// poll to every other datasource.
func (s *SQLiteSegmentStore) FetchAllSegmentRecords(ctx context.Context) ([]SegmentRecord, int, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, used, used_status_last_updated, payload FROM segments`)
	if err != nil {
		return nil, 0, fmt.Errorf("metadata: failed to scan segments table: %w", err)
	}
	defer rows.Close()

	var records []SegmentRecord
	skipped := 0
	for rows.Next() {
		var (
			id          string
			used        bool
			lastUpdated sql.NullInt64
			payload     []byte
		)
		if err := rows.Scan(&id, &used, &lastUpdated, &payload); err != nil {
			return nil, skipped, fmt.Errorf("metadata: failed to scan segment row: %w", err)
		}

		segment, err := decodePayload(payload)
		if err != nil {
			log.Printf("[WARN] metadata: skipping corrupt segment row %s: %v", id, err)
			skipped++
			continue
		}

		record := SegmentRecord{Segment: segment, Used: used}
		if lastUpdated.Valid {
			t := time.UnixMilli(lastUpdated.Int64).UTC()
			record.UsedStatusLastUpdated = &t
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, skipped, fmt.Errorf("metadata: error iterating segments: %w", err)
	}
	return records, skipped, nil
}

// PublishSegment inserts or replaces a segment row.
func (s *SQLiteSegmentStore) PublishSegment(ctx context.Context, segment types.DataSegment, used bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := encodePayload(segment)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO segments (
			id, datasource, start_millis, end_millis, version, partition_num,
			used, used_status_last_updated, size_bytes, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		segment.ID().String(), segment.DataSource,
		segment.Interval.Start, segment.Interval.End,
		segment.Version, segment.Shard.PartitionNum,
		used, now, segment.SizeBytes, payload, now,
	)
	if err != nil {
		return fmt.Errorf("metadata: failed to publish segment %s: %w", segment.ID(), err)
	}
	return nil
}

// SetUsed flips the used flag for the given ids in batches. Rows already in
// the requested state are not counted, which makes repeated calls idempotent.
func (s *SQLiteSegmentStore) SetUsed(ctx context.Context, ids []types.SegmentID, used bool) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	var affected int64
	for start := 0; start < len(ids); start += idBatchSize {
		end := start + idBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		args := make([]interface{}, 0, len(batch)+3)
		args = append(args, used, now)
		for _, id := range batch {
			args = append(args, id.String())
		}
		args = append(args, used)

		query := fmt.Sprintf(
			`UPDATE segments SET used = ?, used_status_last_updated = ?
			 WHERE id IN (%s) AND used != ?`,
			placeholders(len(batch)),
		)
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return affected, fmt.Errorf("metadata: failed to update used flag: %w", err)
		}
		n, _ := result.RowsAffected()
		affected += n
	}
	return affected, nil
}

// MarkDataSourceUnused marks every used segment of the datasource unused.
func (s *SQLiteSegmentStore) MarkDataSourceUnused(ctx context.Context, datasource string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE segments SET used = 0, used_status_last_updated = ?
		 WHERE datasource = ? AND used = 1`,
		time.Now().UnixMilli(), datasource,
	)
	if err != nil {
		return 0, fmt.Errorf("metadata: failed to mark datasource %s unused: %w", datasource, err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// MarkIntervalUnused marks used segments fully contained in interval as
// unused. Segments that merely overlap the interval are untouched.
func (s *SQLiteSegmentStore) MarkIntervalUnused(ctx context.Context, datasource string, interval types.Interval, versions []string) (int64, error) {
	if versions != nil && len(versions) == 0 {
		// A non-nil empty version list is a well-defined "affect nothing".
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `UPDATE segments SET used = 0, used_status_last_updated = ?
		 WHERE datasource = ? AND used = 1 AND start_millis >= ? AND end_millis <= ?`
	args := []interface{}{time.Now().UnixMilli(), datasource, interval.Start, interval.End}

	if versions != nil {
		query += fmt.Sprintf(" AND version IN (%s)", placeholders(len(versions)))
		for _, v := range versions {
			args = append(args, v)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("metadata: failed to mark interval %s unused: %w", interval, err)
	}
	affected, _ := result.RowsAffected()
	return affected, nil
}

// RetrieveSegments returns the rows for the given ids within a datasource.
func (s *SQLiteSegmentStore) RetrieveSegments(ctx context.Context, datasource string, ids []types.SegmentID) ([]SegmentRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var records []SegmentRecord
	for start := 0; start < len(ids); start += idBatchSize {
		end := start + idBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, datasource)
		for _, id := range batch {
			args = append(args, id.String())
		}

		query := fmt.Sprintf(
			`SELECT used, used_status_last_updated, payload FROM segments
			 WHERE datasource = ? AND id IN (%s)`,
			placeholders(len(batch)),
		)
		batchRecords, err := s.queryRecords(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		records = append(records, batchRecords...)
	}
	return records, nil
}

// RetrieveUsedSegments returns all used segments of a datasource.
func (s *SQLiteSegmentStore) RetrieveUsedSegments(ctx context.Context, datasource string) ([]types.DataSegment, error) {
	records, err := s.queryRecords(ctx,
		`SELECT used, used_status_last_updated, payload FROM segments
		 WHERE datasource = ? AND used = 1`,
		datasource,
	)
	if err != nil {
		return nil, err
	}

	segments := make([]types.DataSegment, 0, len(records))
	for _, rec := range records {
		segments = append(segments, rec.Segment)
	}
	return segments, nil
}

// RetrieveUnusedSegmentsInInterval returns unused rows fully contained in the
// interval, optionally restricted to the given versions.
func (s *SQLiteSegmentStore) RetrieveUnusedSegmentsInInterval(ctx context.Context, datasource string, interval types.Interval, versions []string) ([]SegmentRecord, error) {
	if versions != nil && len(versions) == 0 {
		return nil, nil
	}

	query := `SELECT used, used_status_last_updated, payload FROM segments
		 WHERE datasource = ? AND used = 0 AND start_millis >= ? AND end_millis <= ?`
	args := []interface{}{datasource, interval.Start, interval.End}

	if versions != nil {
		query += fmt.Sprintf(" AND version IN (%s)", placeholders(len(versions)))
		for _, v := range versions {
			args = append(args, v)
		}
	}

	return s.queryRecords(ctx, query, args...)
}

// queryRecords runs a query whose projection is (used,
// used_status_last_updated, payload) and decodes the payloads. Unlike the
// full poll scan, callers here name specific rows, so a corrupt payload is an
// error rather than a skip.
func (s *SQLiteSegmentStore) queryRecords(ctx context.Context, query string, args ...interface{}) ([]SegmentRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata: failed to query segments: %w", err)
	}
	defer rows.Close()

	var records []SegmentRecord
	for rows.Next() {
		var (
			used        bool
			lastUpdated sql.NullInt64
			payload     []byte
		)
		if err := rows.Scan(&used, &lastUpdated, &payload); err != nil {
			return nil, fmt.Errorf("metadata: failed to scan segment row: %w", err)
		}
		segment, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		record := SegmentRecord{Segment: segment, Used: used}
		if lastUpdated.Valid {
			t := time.UnixMilli(lastUpdated.Int64).UTC()
			record.UsedStatusLastUpdated = &t
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: error iterating segments: %w", err)
	}
	return records, nil
}

// UnusedSegmentIntervals returns distinct intervals of unused segments whose
// used flag last changed strictly before maxLastUpdated. NULL timestamps are
// excluded: a row whose staleness cannot be proven is never a retention
// candidate.
func (s *SQLiteSegmentStore) UnusedSegmentIntervals(ctx context.Context, datasource string, minStart *time.Time, maxEnd time.Time, limit int, maxLastUpdated time.Time) ([]types.Interval, error) {
	query := `SELECT DISTINCT start_millis, end_millis FROM segments
		 WHERE datasource = ? AND used = 0
		   AND used_status_last_updated IS NOT NULL
		   AND used_status_last_updated < ?
		   AND end_millis <= ?`
	args := []interface{}{datasource, maxLastUpdated.UnixMilli(), maxEnd.UnixMilli()}

	if minStart != nil {
		query += " AND start_millis >= ?"
		args = append(args, minStart.UnixMilli())
	}
	query += " ORDER BY start_millis, end_millis LIMIT ?"
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("metadata: failed to query unused segment intervals: %w", err)
	}
	defer rows.Close()

	var intervals []types.Interval
	for rows.Next() {
		var iv types.Interval
		if err := rows.Scan(&iv.Start, &iv.End); err != nil {
			return nil, fmt.Errorf("metadata: failed to scan interval: %w", err)
		}
		intervals = append(intervals, iv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: error iterating unused segment intervals: %w", err)
	}
	return intervals, nil
}

// populateBatchSize bounds each backfill update so the write lock is never
// held across one huge statement.
const populateBatchSize = 100

// PopulateUsedFlagLastUpdated backfills NULL used_status_last_updated values
// to now, in batches, until none remain.
func (s *SQLiteSegmentStore) PopulateUsedFlagLastUpdated(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}

		rows, err := s.db.QueryContext(ctx,
			`SELECT id FROM segments WHERE used_status_last_updated IS NULL LIMIT ?`,
			populateBatchSize,
		)
		if err != nil {
			return total, fmt.Errorf("metadata: failed to find rows needing backfill: %w", err)
		}

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return total, fmt.Errorf("metadata: failed to scan segment id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return total, fmt.Errorf("metadata: error iterating backfill rows: %w", err)
		}

		if len(ids) == 0 {
			break
		}

		args := make([]interface{}, 0, len(ids)+1)
		args = append(args, time.Now().UnixMilli())
		for _, id := range ids {
			args = append(args, id)
		}
		result, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`UPDATE segments SET used_status_last_updated = ? WHERE id IN (%s)`,
				placeholders(len(ids))),
			args...,
		)
		if err != nil {
			return total, fmt.Errorf("metadata: failed to backfill used_status_last_updated: %w", err)
		}
		n, _ := result.RowsAffected()
		total += n

		if total > 0 && total%10000 == 0 {
			log.Printf("metadata: backfill progress: %d rows updated", total)
		}
	}
	return total, nil
}

// DeleteSegments removes rows outright, in batches.
func (s *SQLiteSegmentStore) DeleteSegments(ctx context.Context, ids []types.SegmentID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var affected int64
	for start := 0; start < len(ids); start += idBatchSize {
		end := start + idBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		args := make([]interface{}, 0, len(batch))
		for _, id := range batch {
			args = append(args, id.String())
		}
		result, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM segments WHERE id IN (%s)`, placeholders(len(batch))),
			args...,
		)
		if err != nil {
			return affected, fmt.Errorf("metadata: failed to delete segments: %w", err)
		}
		n, _ := result.RowsAffected()
		affected += n
	}
	return affected, nil
}

// RetrieveAllDataSourceNames returns the distinct datasource names across all
// rows, used and unused.
func (s *SQLiteSegmentStore) RetrieveAllDataSourceNames(ctx context.Context) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT DISTINCT datasource FROM segments ORDER BY datasource`)
	if err != nil {
		return nil, fmt.Errorf("metadata: failed to query datasource names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("metadata: failed to scan datasource name: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("metadata: error iterating datasource names: %w", err)
	}
	return names, nil
}

// RunAnalyze runs ANALYZE to update SQLite query planner statistics. Should
// be called after bulk publishes to keep index statistics current.
func (s *SQLiteSegmentStore) RunAnalyze(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, AnalyzeSQL)
	if err != nil {
		return fmt.Errorf("metadata: failed to run ANALYZE: %w", err)
	}
	return nil
}

// Close closes the store's database connections.
func (s *SQLiteSegmentStore) Close() error {
	if err := s.readDB.Close(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// placeholders returns "?, ?, ..." with n entries.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

package metadata

import (
	"sort"
	"time"

	"github.com/stratadb/strata/internal/timeline"
	"github.com/stratadb/strata/pkg/types"
)

// ImmutableDataSource is the visible view of one datasource: its used,
// non-overshadowed segments at the time a snapshot was built. Never mutated
// after construction, so it is safe to share across goroutines without
// locking.
type ImmutableDataSource struct {
	name      string
	segments  []types.DataSegment
	byID      map[types.SegmentID]types.DataSegment
	totalSize int64
}

func newImmutableDataSource(name string, visible []types.DataSegment) *ImmutableDataSource {
	ds := &ImmutableDataSource{
		name:     name,
		segments: visible,
		byID:     make(map[types.SegmentID]types.DataSegment, len(visible)),
	}
	for _, s := range visible {
		ds.byID[s.ID()] = s
		ds.totalSize += s.SizeBytes
	}
	return ds
}

// Name returns the datasource name.
func (d *ImmutableDataSource) Name() string { return d.name }

// Segments returns the visible segments sorted by id. Callers must not
// mutate the returned slice.
func (d *ImmutableDataSource) Segments() []types.DataSegment { return d.segments }

// Segment returns the visible segment with the given id, if present.
func (d *ImmutableDataSource) Segment(id types.SegmentID) (types.DataSegment, bool) {
	s, ok := d.byID[id]
	return s, ok
}

// NumSegments returns the number of visible segments.
func (d *ImmutableDataSource) NumSegments() int { return len(d.segments) }

// TotalSizeBytes returns the summed size of all visible segments.
func (d *ImmutableDataSource) TotalSizeBytes() int64 { return d.totalSize }

// DataSourcesSnapshot is one immutable, internally consistent view of every
// datasource, produced by a single poll. Consumers holding a snapshot keep
// seeing it unchanged while newer polls publish newer snapshots.
type DataSourcesSnapshot struct {
	seq          uint64
	createdAt    time.Time
	dataSources  map[string]*ImmutableDataSource
	overshadowed map[types.SegmentID]struct{}
	skippedRows  int
}

// BuildSnapshot resolves the used segments from a poll's records into
// per-datasource visible views plus the set of overshadowed segment ids.
// Unused records do not contribute to the snapshot.
func BuildSnapshot(seq uint64, createdAt time.Time, records []SegmentRecord, skippedRows int) *DataSourcesSnapshot {
	byDataSource := make(map[string][]types.DataSegment)
	for _, rec := range records {
		if !rec.Used {
			continue
		}
		ds := rec.Segment.DataSource
		byDataSource[ds] = append(byDataSource[ds], rec.Segment)
	}

	snap := &DataSourcesSnapshot{
		seq:          seq,
		createdAt:    createdAt,
		dataSources:  make(map[string]*ImmutableDataSource, len(byDataSource)),
		overshadowed: make(map[types.SegmentID]struct{}),
		skippedRows:  skippedRows,
	}
	for name, segments := range byDataSource {
		res := timeline.Resolve(segments)
		snap.dataSources[name] = newImmutableDataSource(name, res.Visible)
		for id := range res.Overshadowed {
			snap.overshadowed[id] = struct{}{}
		}
	}
	return snap
}

// Seq returns the snapshot's poll sequence number. Later snapshots always
// carry strictly greater values.
func (s *DataSourcesSnapshot) Seq() uint64 { return s.seq }

// CreatedAt returns when the poll producing this snapshot completed.
func (s *DataSourcesSnapshot) CreatedAt() time.Time { return s.createdAt }

// SkippedRows returns the number of store rows the poll could not decode.
func (s *DataSourcesSnapshot) SkippedRows() int { return s.skippedRows }

// DataSource returns the visible view of one datasource, or nil if the
// datasource has no visible used segments in this snapshot.
func (s *DataSourcesSnapshot) DataSource(name string) *ImmutableDataSource {
	return s.dataSources[name]
}

// DataSourceNames returns the names of all datasources with at least one
// visible used segment, sorted.
func (s *DataSourcesSnapshot) DataSourceNames() []string {
	names := make([]string, 0, len(s.dataSources))
	for name := range s.dataSources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DataSources returns the visible views of all datasources, ordered by name.
func (s *DataSourcesSnapshot) DataSources() []*ImmutableDataSource {
	out := make([]*ImmutableDataSource, 0, len(s.dataSources))
	for _, name := range s.DataSourceNames() {
		out = append(out, s.dataSources[name])
	}
	return out
}

// AllSegments returns the visible segments of every datasource, ordered by
// datasource name and then by segment id. Callers must not mutate the
// returned slice.
func (s *DataSourcesSnapshot) AllSegments() []types.DataSegment {
	total := 0
	for _, ds := range s.dataSources {
		total += len(ds.segments)
	}
	out := make([]types.DataSegment, 0, total)
	for _, name := range s.DataSourceNames() {
		out = append(out, s.dataSources[name].segments...)
	}
	return out
}

// IsOvershadowed reports whether a used segment was overshadowed at the time
// this snapshot was built.
func (s *DataSourcesSnapshot) IsOvershadowed(id types.SegmentID) bool {
	_, ok := s.overshadowed[id]
	return ok
}

// OvershadowedCount returns the number of used segments hidden by newer data
// in this snapshot. Diagnostic only.
func (s *DataSourcesSnapshot) OvershadowedCount() int { return len(s.overshadowed) }

// SegmentsOverlapping returns the visible segments of a datasource whose
// intervals overlap the given interval, in id order.
func (s *DataSourcesSnapshot) SegmentsOverlapping(datasource string, interval types.Interval) []types.DataSegment {
	ds := s.dataSources[datasource]
	if ds == nil {
		return nil
	}
	var out []types.DataSegment
	for _, seg := range ds.segments {
		if seg.Interval.Overlaps(interval) {
			out = append(out, seg)
		}
	}
	return out
}

// Package timeline computes segment visibility for one datasource: which
// segments are queryable and which are overshadowed by newer, complete
// replacements over the same time range.
package timeline

import (
	"sort"

	"github.com/stratadb/strata/pkg/types"
)

// Resolution is the output of Resolve: the visible segments in deterministic
// id order, and the ids of segments that are used but superseded.
type Resolution struct {
	Visible      []types.DataSegment
	Overshadowed map[types.SegmentID]struct{}
}

// IsOvershadowed reports whether the given id was excluded from the visible set.
func (r Resolution) IsOvershadowed(id types.SegmentID) bool {
	_, ok := r.Overshadowed[id]
	return ok
}

// chunkKey identifies a version chunk: all segments of one datasource sharing
// the same interval and version.
type chunkKey struct {
	interval types.Interval
	version  string
}

// chunk collects the segments of one (interval, version) pair.
type chunk struct {
	key      chunkKey
	segments []types.DataSegment
}

// complete reports whether the chunk's segments collectively prove full
// coverage of the chunk interval. A single segment with the none shard spec
// is complete by itself. Numbered segments are complete only when every
// partition 0..total-1 is present exactly once and all segments agree on the
// total. Anything that cannot prove completeness, including malformed shard
// descriptors, counts as incomplete so the older data underneath stays
// visible.
func (c *chunk) complete() bool {
	if len(c.segments) == 1 && c.segments[0].Shard.Type == types.ShardSpecNone {
		return true
	}

	total := -1
	seen := make(map[int]bool, len(c.segments))
	for _, seg := range c.segments {
		if seg.Shard.Type != types.ShardSpecNumbered || !seg.Shard.WellFormed() {
			return false
		}
		if total == -1 {
			total = seg.Shard.NumPartitions
		} else if seg.Shard.NumPartitions != total {
			return false
		}
		if seen[seg.Shard.PartitionNum] {
			return false
		}
		seen[seg.Shard.PartitionNum] = true
	}
	return total > 0 && len(seen) == total
}

// Resolve partitions the given segments of a single datasource into visible
// and overshadowed sets. A segment is overshadowed iff its entire interval is
// covered by the union of complete chunks with a strictly newer version.
// Segments sharing a version never overshadow each other. Pure and
// deterministic: no I/O, stable output ordering, never fails.
func Resolve(segments []types.DataSegment) Resolution {
	res := Resolution{Overshadowed: make(map[types.SegmentID]struct{})}
	if len(segments) == 0 {
		return res
	}

	chunks := make(map[chunkKey]*chunk)
	for _, seg := range segments {
		key := chunkKey{interval: seg.Interval, version: seg.Version}
		c, ok := chunks[key]
		if !ok {
			c = &chunk{key: key}
			chunks[key] = c
		}
		c.segments = append(c.segments, seg)
	}

	var completeChunks []*chunk
	for _, c := range chunks {
		if c.complete() {
			completeChunks = append(completeChunks, c)
		}
	}

	for _, seg := range segments {
		if overshadowedBy(seg, completeChunks) {
			res.Overshadowed[seg.ID()] = struct{}{}
		} else {
			res.Visible = append(res.Visible, seg)
		}
	}

	sort.Slice(res.Visible, func(i, j int) bool {
		return res.Visible[i].ID().Compare(res.Visible[j].ID()) < 0
	})
	return res
}

// overshadowedBy reports whether seg's interval is fully covered by complete
// chunks carrying a strictly newer version. Versions compare lexically;
// ingestion assigns them monotonically so lexical order is temporal order.
func overshadowedBy(seg types.DataSegment, completeChunks []*chunk) bool {
	var covering []types.Interval
	for _, c := range completeChunks {
		if c.key.version > seg.Version && c.key.interval.Overlaps(seg.Interval) {
			covering = append(covering, c.key.interval)
		}
	}
	if len(covering) == 0 {
		return false
	}
	return covers(covering, seg.Interval)
}

// covers reports whether the union of the given intervals contains target.
// Sweep from target.Start: any gap before target.End means uncovered.
func covers(intervals []types.Interval, target types.Interval) bool {
	sort.Slice(intervals, func(i, j int) bool {
		return intervals[i].Compare(intervals[j]) < 0
	})

	cursor := target.Start
	for _, iv := range intervals {
		if iv.Start > cursor {
			return false
		}
		if iv.End > cursor {
			cursor = iv.End
		}
		if cursor >= target.End {
			return true
		}
	}
	return cursor >= target.End
}

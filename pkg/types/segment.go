// Package types provides the immutable value types shared across the Strata
// metadata service: time intervals, segment identities, and segment
// descriptors as they appear in the metadata store payloads.
package types

import (
	"fmt"
	"strings"
)

// ShardSpecType distinguishes how a segment claims its share of a version's
// partition space.
type ShardSpecType string

const (
	// ShardSpecNone marks a segment that is the entire version by itself.
	ShardSpecNone ShardSpecType = "none"

	// ShardSpecNumbered marks one chunk out of a declared total.
	ShardSpecNumbered ShardSpecType = "numbered"
)

// ShardSpec describes a segment's position within its version: which
// partition it is and how many partitions the version declares in total.
type ShardSpec struct {
	Type          ShardSpecType `json:"type"`
	PartitionNum  int           `json:"partition_num"`
	NumPartitions int           `json:"num_partitions"`
}

// NoneShardSpec returns the "complete by itself" shard descriptor.
func NoneShardSpec() ShardSpec {
	return ShardSpec{Type: ShardSpecNone}
}

// NumberedShardSpec returns a numbered shard descriptor for partition num of
// total partitions.
func NumberedShardSpec(num, total int) ShardSpec {
	return ShardSpec{Type: ShardSpecNumbered, PartitionNum: num, NumPartitions: total}
}

// WellFormed reports whether the descriptor is internally consistent. A
// malformed descriptor never proves chunk completeness but does not make the
// segment itself invalid.
func (s ShardSpec) WellFormed() bool {
	switch s.Type {
	case ShardSpecNone:
		return s.PartitionNum == 0 && s.NumPartitions == 0
	case ShardSpecNumbered:
		return s.NumPartitions > 0 && s.PartitionNum >= 0 && s.PartitionNum < s.NumPartitions
	default:
		return false
	}
}

// SegmentID is the composite identity of a segment:
// (datasource, interval, version, partition number). It is a comparable
// value type and may be used as a map key.
type SegmentID struct {
	DataSource   string
	Interval     Interval
	Version      string
	PartitionNum int
}

// Compare orders ids by (interval.start, interval.end, version, partition
// number), with datasource as the outermost tiebreak. The ordering is total
// and used for deterministic display.
func (id SegmentID) Compare(other SegmentID) int {
	if c := strings.Compare(id.DataSource, other.DataSource); c != 0 {
		return c
	}
	if c := id.Interval.Compare(other.Interval); c != 0 {
		return c
	}
	if c := strings.Compare(id.Version, other.Version); c != 0 {
		return c
	}
	switch {
	case id.PartitionNum < other.PartitionNum:
		return -1
	case id.PartitionNum > other.PartitionNum:
		return 1
	default:
		return 0
	}
}

// String renders the id in the canonical
// datasource_start_end_version(_partitionNum) form. The partition number is
// omitted when zero, matching how ids appear in the store.
func (id SegmentID) String() string {
	base := fmt.Sprintf("%s_%s_%s_%s",
		id.DataSource,
		id.Interval.StartTime().Format("2006-01-02T15:04:05.000Z"),
		id.Interval.EndTime().Format("2006-01-02T15:04:05.000Z"),
		id.Version,
	)
	if id.PartitionNum == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, id.PartitionNum)
}

// LoadSpec points at the segment's data file in deep storage.
type LoadSpec struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// DataSegment is the immutable descriptor of one stored segment as published
// by ingestion. The manager never mutates a segment; it only toggles the
// row-level used flag in the store.
type DataSegment struct {
	DataSource string    `json:"datasource"`
	Interval   Interval  `json:"interval"`
	Version    string    `json:"version"`
	Shard      ShardSpec `json:"shard_spec"`
	LoadSpec   LoadSpec  `json:"load_spec"`

	// Dimensions and Metrics list the segment's column names. A nil slice
	// means unknown (legacy rows published before column lists were recorded);
	// it is distinct from an empty slice, which means "no columns".
	Dimensions []string `json:"dimensions"`
	Metrics    []string `json:"metrics"`

	SizeBytes     int64 `json:"size_bytes"`
	BinaryVersion int   `json:"binary_version"`
}

// ID returns the segment's composite identity.
func (s DataSegment) ID() SegmentID {
	return SegmentID{
		DataSource:   s.DataSource,
		Interval:     s.Interval,
		Version:      s.Version,
		PartitionNum: s.Shard.PartitionNum,
	}
}

// HasColumnInfo reports whether the segment carries known column lists.
func (s DataSegment) HasColumnInfo() bool {
	return s.Dimensions != nil || s.Metrics != nil
}

package fleet

import (
	"context"
	"sort"
	"time"
)

// Source delivers the playback snapshots of an enterprise for the last hours.
type Source interface {
	Playback(ctx context.Context, enterpriseID string, hours int) ([]PositionSnapshot, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, enterpriseID string, hours int) ([]PositionSnapshot, error)

// Playback calls f.
func (f SourceFunc) Playback(ctx context.Context, enterpriseID string, hours int) ([]PositionSnapshot, error) {
	return f(ctx, enterpriseID, hours)
}

// Dataset holds the snapshots of one playback session sorted ascending by time.
type Dataset struct {
	snapshots []PositionSnapshot
}

// NewDataset copies and sorts the snapshots by their timestamp. Snapshots
// sharing a timestamp keep their relative order.
func NewDataset(snapshots []PositionSnapshot) *Dataset {
	sorted := make([]PositionSnapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})
	return &Dataset{snapshots: sorted}
}

// Len returns the number of snapshots.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.snapshots)
}

// Snapshots returns the sorted snapshots. The slice must not be modified.
func (d *Dataset) Snapshots() []PositionSnapshot {
	if d == nil {
		return nil
	}
	return d.snapshots
}

// Bounds returns the first and last snapshot time in epoch milliseconds.
func (d *Dataset) Bounds() (min, max int64, ok bool) {
	if d.Len() == 0 {
		return 0, 0, false
	}
	return d.snapshots[0].Timestamp, d.snapshots[len(d.snapshots)-1].Timestamp, true
}

// Select returns the first snapshot whose timestamp is at or after t. The
// first snapshot is returned when t is zero or lies past every snapshot.
func (d *Dataset) Select(t time.Time) (PositionSnapshot, bool) {
	if d.Len() == 0 {
		return PositionSnapshot{}, false
	}
	if t.IsZero() {
		return d.snapshots[0], true
	}
	target := t.UnixMilli()
	idx := sort.Search(len(d.snapshots), func(i int) bool {
		return d.snapshots[i].Timestamp >= target
	})
	if idx == len(d.snapshots) {
		return d.snapshots[0], true
	}
	return d.snapshots[idx], true
}

// Visible returns the records of the selected snapshot that carry a latitude.
func (d *Dataset) Visible(t time.Time) []VesselRecord {
	snapshot, ok := d.Select(t)
	if !ok {
		return []VesselRecord{}
	}
	return FilterPositioned(snapshot.Records)
}

// FilterPositioned drops every record without a latitude.
func FilterPositioned(records []VesselRecord) []VesselRecord {
	out := make([]VesselRecord, 0, len(records))
	for _, record := range records {
		if record.HasPosition() {
			out = append(out, record)
		}
	}
	return out
}

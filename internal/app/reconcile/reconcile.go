// Package reconcile computes the delta between two active sets.
package reconcile

import "github.com/coachpo/tickcapture/internal/domain/schema"

// Delta partitions the union of two active sets by key.
type Delta struct {
	// ToRemove holds records from the old set whose keys are absent from the new set.
	ToRemove []schema.InstrumentRecord
	// ToAdd holds records from the new set whose keys are absent from the old set.
	ToAdd []schema.InstrumentRecord
	// ToRefresh holds records from the new set whose keys are present in both.
	ToRefresh []schema.InstrumentRecord
}

// Empty reports whether the delta changes membership.
func (d Delta) Empty() bool {
	return len(d.ToRemove) == 0 && len(d.ToAdd) == 0
}

// Changed returns the refresh records whose metadata differs from the old set.
func (d Delta) Changed(old schema.ActiveSet) []schema.InstrumentRecord {
	var out []schema.InstrumentRecord
	for _, record := range d.ToRefresh {
		if prev, ok := old[record.Key()]; ok && !prev.SameMetadata(record) {
			out = append(out, record)
		}
	}
	return out
}

// Reconcile classifies keys by membership only; metadata differences never move a key between
// partitions. Each partition is sorted by key.
func Reconcile(old, next schema.ActiveSet) Delta {
	var delta Delta
	for key, record := range old {
		if _, ok := next[key]; !ok {
			delta.ToRemove = append(delta.ToRemove, record)
		}
	}
	for key, record := range next {
		if _, ok := old[key]; ok {
			delta.ToRefresh = append(delta.ToRefresh, record)
		} else {
			delta.ToAdd = append(delta.ToAdd, record)
		}
	}
	schema.SortRecords(delta.ToRemove)
	schema.SortRecords(delta.ToAdd)
	schema.SortRecords(delta.ToRefresh)
	return delta
}

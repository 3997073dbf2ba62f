// Package interval implements the disjoint reservation-interval set shared
// by every functional unit: an ordered collection of non-overlapping
// [start, end] cycle ranges, each carrying an opaque instruction reference.
package interval

import (
	"sort"

	"github.com/pkg/errors"
)

// Interval is a reservation (start_cycle, end_cycle, instruction_ref) with
// start <= end. Ref is opaque to this package — callers attach whatever
// instruction handle they need.
type Interval struct {
	Start int
	End   int
	Ref   any
}

// Overlaps reports whether two intervals intersect, using inclusive
// endpoints: intervals with touching endpoints (a.End == b.Start) overlap.
func (a Interval) Overlaps(b Interval) bool {
	return a.Start <= b.End && b.Start <= a.End
}

// Set is a DisjointIntervalSet: intervals kept sorted by start cycle, with
// insertion rejecting anything that overlaps an existing member.
type Set struct {
	items []Interval
}

// Empty reports whether the set holds no intervals.
func (s *Set) Empty() bool { return len(s.items) == 0 }

// Len reports how many intervals are currently reserved.
func (s *Set) Len() int { return len(s.items) }

// Front returns the interval with the smallest start cycle. Panics if the
// set is empty; callers must check Empty first.
func (s *Set) Front() Interval {
	if len(s.items) == 0 {
		panic("interval: Front on empty set")
	}
	return s.items[0]
}

// PopFront removes and returns the interval with the smallest start cycle.
func (s *Set) PopFront() Interval {
	front := s.Front()
	s.items = s.items[1:]
	return front
}

// HasOverlap reports whether candidate overlaps any interval currently in
// the set.
func (s *Set) HasOverlap(candidate Interval) bool {
	for _, existing := range s.items {
		if existing.Overlaps(candidate) {
			return true
		}
	}
	return false
}

// Insert adds iv to the set, keeping items sorted by start cycle. Reservable
// is tested with HasOverlap first; add-reservation is expected to be
// infallible after a positive HasOverlap check, so Insert itself returns an
// error rather than panicking — a caller that skipped the HasOverlap check
// gets a component-qualified error instead of silent corruption.
func (s *Set) Insert(iv Interval) error {
	if s.HasOverlap(iv) {
		return errors.Errorf("interval: insert [%d,%d] overlaps an existing reservation", iv.Start, iv.End)
	}
	idx := sort.Search(len(s.items), func(i int) bool { return s.items[i].Start >= iv.Start })
	s.items = append(s.items, Interval{})
	copy(s.items[idx+1:], s.items[idx:])
	s.items[idx] = iv
	return nil
}

// Package task implements the per-series task and subtask state machines:
// the units the scheduler splits work into, absorbs partial responses
// into, and decides completion from.
package task

import (
	"github.com/fluxseries/dpsfetch/internal/types"
)

// Subtask is a contiguous time sub-range of one SeriesTask in flight.
// It is owned exclusively by the scheduler goroutine that created it;
// workers only ever see the immutable payload captured at dispatch time.
type Subtask struct {
	Parent *SeriesTask

	Start, End    int64
	Priority      int
	NDpsLeft      int // remaining budget, bounded by the series limit
	MaxQueryLimit int // current per-request cap for this subtask
	IsRawQuery    bool
	Done          bool

	// seq breaks priority ties in submission order, matching the worker
	// pool's (priority, seq) ordering.
	seq uint64
}

// NextPayload returns the next request item for this subtask, or false if
// there is nothing left to fetch (the subtask is done or was cancelled).
// Built at dispatch time (JIT), never cached — a subtask whose parent
// finished between enqueue and dispatch must never reach the network.
func (s *Subtask) NextPayload() (types.RequestItem, bool) {
	if s.Done || s.Parent.IsDone() {
		return types.RequestItem{}, false
	}

	limit := s.MaxQueryLimit
	if limit <= 0 || limit > s.NDpsLeft {
		if s.NDpsLeft > 0 {
			limit = s.NDpsLeft
		}
	}
	if limit <= 0 {
		return types.RequestItem{}, false
	}

	item := types.RequestItem{
		Identifier:           s.Parent.Query.Identifier,
		Start:                s.Start,
		End:                  s.End,
		Limit:                limit,
		IncludeOutsidePoints: s.Parent.Query.IncludeOutsidePoints,
	}
	if !s.IsRawQuery {
		item.Aggregates = s.Parent.Query.Aggregates
		item.Granularity = s.Parent.Query.Granularity
	}
	return item, true
}

// splitPriority computes the priority a child subtask should adopt:
// the parent's priority, nudged so that earlier time ranges within the
// same series run first.
func splitPriority(parentPriority int, rangeIndex int) int {
	return parentPriority + rangeIndex
}

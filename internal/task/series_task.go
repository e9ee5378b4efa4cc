package task

import (
	"math"
	"sort"
	"sync/atomic"

	"github.com/fluxseries/dpsfetch/internal/types"
)

// seqCounter hands out monotonically increasing tiebreak numbers for
// subtask priority ordering, mirroring the heap's (priority, seq) idiom.
var seqCounter atomic.Uint64

func nextSeq() uint64 { return seqCounter.Add(1) }

type rawChunk struct {
	start  int64
	points []types.Datapoint
}

type aggChunk struct {
	start  int64
	points []types.AggregateDatapoint
}

// SeriesTask owns one series' accumulated result and its outstanding
// subtasks. It is mutated only by the scheduler goroutine that owns it;
// subtasks hold a back-reference to it for lookup only, never for
// lifetime management.
type SeriesTask struct {
	Query *types.SingleSeriesQuery

	rawChunks []rawChunk
	aggChunks []aggChunk

	nDpsFetched        int
	hasLimit           bool
	limit              int
	done               bool
	missing            bool
	startedAtLeastOnce bool

	live map[*Subtask]struct{}

	// pending holds subtasks StorePartialResult decided should run again
	// (a shrunk-in-place continuation, or freshly split children) but
	// that the chunking drain loop hasn't yet picked up for its next
	// round of combined batches. The eager fetcher ignores this field —
	// it resubmits stillLive/spawned subtasks to the pool immediately.
	pending []*Subtask
}

// NewSeriesTask creates the task for a single, non-missing query.
func NewSeriesTask(q *types.SingleSeriesQuery) *SeriesTask {
	t := &SeriesTask{
		Query: q,
		live:  make(map[*Subtask]struct{}),
	}
	if q.CappedLimit != nil {
		t.hasLimit = true
		t.limit = *q.CappedLimit
		if t.limit == 0 {
			t.done = true
		}
	}
	return t
}

// MarkMissing finalizes the task as "identifier not found".
func (t *SeriesTask) MarkMissing() {
	t.missing = true
	t.done = true
}

// IsMissing reports whether the series was discovered missing.
func (t *SeriesTask) IsMissing() bool { return t.missing }

// IsDone reports whether every subtask is finished, the limit has been
// reached, or the series was discovered missing and tolerated.
func (t *SeriesTask) IsDone() bool {
	if t.done {
		return true
	}
	if t.hasLimit && t.nDpsFetched >= t.limit {
		return true
	}
	if len(t.live) == 0 && t.startedAtLeastOnce {
		return true
	}
	return false
}

// SplitIntoSubtasks partitions [Query.Start, Query.End) into 1 or more
// contiguous subtasks. More subtasks are produced when worker capacity is
// abundant relative to the number of concurrently fetched series, so each
// series can exploit intra-series parallelism.
func (t *SeriesTask) SplitIntoSubtasks(maxWorkers, nTotQueries int) []*Subtask {
	n := 1
	if nTotQueries > 0 {
		ratio := maxWorkers / nTotQueries
		if ratio > 1 {
			n = ratio
		}
	}
	if n > 10 {
		n = 10 // bounded: no series monopolizes the pool
	}

	start, end := t.Query.Start, t.Query.End
	span := end - start
	if span <= 0 || n <= 1 {
		sub := t.newSubtask(start, end, 0)
		t.startedAtLeastOnce = true
		return []*Subtask{sub}
	}

	step := span / int64(n)
	if step <= 0 {
		sub := t.newSubtask(start, end, 0)
		t.startedAtLeastOnce = true
		return []*Subtask{sub}
	}

	subtasks := make([]*Subtask, 0, n)
	cur := start
	for i := 0; i < n; i++ {
		subEnd := cur + step
		if i == n-1 {
			subEnd = end // last subtask absorbs the remainder
		}
		subtasks = append(subtasks, t.newSubtask(cur, subEnd, i))
		cur = subEnd
	}
	t.startedAtLeastOnce = true
	return subtasks
}

// SeedInitialResult absorbs the discovery-phase response for this task:
// the first batch, plus the limit that request used. Equivalent to
// StorePartialResult but for a task that has no subtask yet (Phase A
// fetches a single combined discovery batch per chunk, not per series).
func (t *SeriesTask) SeedInitialResult(item types.ResponseItem, requestedLimit int) {
	seed := &Subtask{Parent: t, Start: t.Query.Start, End: t.Query.End, IsRawQuery: t.Query.IsRawQuery}
	t.live[seed] = struct{}{}
	t.startedAtLeastOnce = true
	t.StorePartialResult(seed, item, requestedLimit)
}

// NextSubtasks returns the subtasks Phase B should fold into its next
// round of combined batches for this task, capped at maxQueryLimit.
// Pending continuations from a prior StorePartialResult (a shrunk-in-place
// tail or freshly split children) take priority over deriving a fresh
// tail subtask, so a task's in-flight state is never duplicated across
// rounds. Returns nil if the task is already done or has no remaining
// range to cover.
func (t *SeriesTask) NextSubtasks(maxQueryLimit int) []*Subtask {
	if t.IsDone() {
		return nil
	}
	if len(t.pending) > 0 {
		subs := t.pending
		t.pending = nil
		for _, s := range subs {
			s.MaxQueryLimit = maxQueryLimit
			s.NDpsLeft = t.remainingBudget()
		}
		return subs
	}

	start := t.Query.Start
	if last := t.lastTimestampAny(); last != nil {
		start = *last + 1
	}
	if start >= t.Query.End {
		return nil
	}
	sub := &Subtask{
		Parent:        t,
		Start:         start,
		End:           t.Query.End,
		Priority:      types.PriorityDefault,
		NDpsLeft:      t.remainingBudget(),
		MaxQueryLimit: maxQueryLimit,
		IsRawQuery:    t.Query.IsRawQuery,
		seq:           nextSeq(),
	}
	t.live[sub] = struct{}{}
	return []*Subtask{sub}
}

func (t *SeriesTask) lastTimestampAny() *int64 {
	if t.Query.IsRawQuery {
		return t.lastRawTimestamp()
	}
	return t.lastAggTimestamp()
}

func (t *SeriesTask) newSubtask(start, end int64, rangeIndex int) *Subtask {
	limit := t.perRequestLimit()
	sub := &Subtask{
		Parent:        t,
		Start:         start,
		End:           end,
		Priority:      splitPriority(types.PriorityDefault, rangeIndex),
		NDpsLeft:      t.remainingBudget(),
		MaxQueryLimit: limit,
		IsRawQuery:    t.Query.IsRawQuery,
		seq:           nextSeq(),
	}
	t.live[sub] = struct{}{}
	return sub
}

func (t *SeriesTask) perRequestLimit() int {
	if t.Query.IsRawQuery {
		return types.DPSLimit
	}
	return types.DPSLimitAgg
}

func (t *SeriesTask) remainingBudget() int {
	if !t.hasLimit {
		return math.MaxInt32
	}
	left := t.limit - t.nDpsFetched
	if left < 0 {
		return 0
	}
	return left
}

// StorePartialResult merges one server page into the task. It returns any
// brand-new subtasks spawned to cover an uncovered tail, and whether the
// passed-in subtask is still live (should be re-submitted as-is). Never
// mutates prior chunks in place; preserves timestamp order; discards an
// overlapping prefix if the new page duplicates already-received data.
func (t *SeriesTask) StorePartialResult(sub *Subtask, item types.ResponseItem, requestedLimit int) (spawned []*Subtask, stillLive bool) {
	if t.Query.IsRawQuery {
		t.mergeRaw(sub, item.Raw)
	} else {
		t.mergeAgg(sub, item.Aggregates)
	}

	got := len(item.Raw) + len(item.Aggregates)
	t.nDpsFetched += got

	if t.hasLimit && t.nDpsFetched >= t.limit {
		t.cancelLiveExcept(nil)
		return nil, false
	}

	pageFull := got >= requestedLimit && requestedLimit > 0
	last := lastTimestamp(item)
	coveredWhole := last >= sub.End-1 || got == 0

	if !pageFull || coveredWhole {
		delete(t.live, sub)
		sub.Done = true
		return nil, false
	}

	// Page filled the request: there is an uncovered tail.
	tailStart := last + 1
	if tailStart <= sub.Start {
		tailStart = sub.Start + 1
	}
	tailEnd := sub.End
	tailSpan := tailEnd - tailStart
	coveredSpan := last - sub.Start
	density := 0.0
	if coveredSpan > 0 {
		density = float64(got) / float64(coveredSpan)
	}
	estimatedRemaining := density * float64(tailSpan)

	// Split the tail in two when the density estimate suggests it still
	// holds more than roughly two full pages worth of points — otherwise
	// just shrink the subtask's own range in place.
	if estimatedRemaining > float64(requestedLimit)*2 && tailSpan > 1 {
		mid := tailStart + tailSpan/2
		delete(t.live, sub)
		sub.Done = true
		children := []*Subtask{
			t.newSubtask(tailStart, mid, 0),
			t.newSubtask(mid, tailEnd, 1),
		}
		for _, c := range children {
			c.Priority = sub.Priority
		}
		t.pending = append(t.pending, children...)
		return children, false
	}

	sub.Start = tailStart
	sub.NDpsLeft = t.remainingBudget()
	t.pending = append(t.pending, sub)
	return nil, true
}

// clampOutsidePoints drops any point outside [start, end) unless it is the
// very first point of the whole series (a "before start" outlier) or the
// very last (an "at/after end" outlier) — at most one of each may survive,
// matching the coverage invariant even when several chunks each attached
// their own boundary outside point.
func clampOutsidePoints(points []types.Datapoint, start, end int64, includeOutside bool) []types.Datapoint {
	out := make([]types.Datapoint, 0, len(points))
	for i, p := range points {
		inRange := p.Timestamp >= start && p.Timestamp < end
		if inRange {
			out = append(out, p)
			continue
		}
		if !includeOutside {
			continue
		}
		if p.Timestamp < start && i == 0 {
			out = append(out, p)
		} else if p.Timestamp >= end && i == len(points)-1 {
			out = append(out, p)
		}
	}
	return out
}

func lastTimestamp(item types.ResponseItem) int64 {
	if len(item.Raw) > 0 {
		return item.Raw[len(item.Raw)-1].Timestamp
	}
	if len(item.Aggregates) > 0 {
		return item.Aggregates[len(item.Aggregates)-1].Timestamp
	}
	return math.MinInt64
}

func (t *SeriesTask) mergeRaw(sub *Subtask, points []types.Datapoint) {
	if len(points) == 0 {
		return
	}
	lastSeen := t.lastRawTimestamp()
	filtered := points
	if lastSeen != nil {
		i := 0
		for i < len(filtered) && filtered[i].Timestamp <= *lastSeen {
			i++
		}
		filtered = filtered[i:]
	}
	if len(filtered) == 0 {
		return
	}
	t.rawChunks = append(t.rawChunks, rawChunk{start: sub.Start, points: filtered})
	sort.Slice(t.rawChunks, func(i, j int) bool { return t.rawChunks[i].start < t.rawChunks[j].start })
}

func (t *SeriesTask) mergeAgg(sub *Subtask, points []types.AggregateDatapoint) {
	if len(points) == 0 {
		return
	}
	lastSeen := t.lastAggTimestamp()
	filtered := points
	if lastSeen != nil {
		i := 0
		for i < len(filtered) && filtered[i].Timestamp <= *lastSeen {
			i++
		}
		filtered = filtered[i:]
	}
	if len(filtered) == 0 {
		return
	}
	t.aggChunks = append(t.aggChunks, aggChunk{start: sub.Start, points: filtered})
	sort.Slice(t.aggChunks, func(i, j int) bool { return t.aggChunks[i].start < t.aggChunks[j].start })
}

func (t *SeriesTask) lastRawTimestamp() *int64 {
	if len(t.rawChunks) == 0 {
		return nil
	}
	last := t.rawChunks[len(t.rawChunks)-1]
	if len(last.points) == 0 {
		return nil
	}
	ts := last.points[len(last.points)-1].Timestamp
	return &ts
}

func (t *SeriesTask) lastAggTimestamp() *int64 {
	if len(t.aggChunks) == 0 {
		return nil
	}
	last := t.aggChunks[len(t.aggChunks)-1]
	if len(last.points) == 0 {
		return nil
	}
	ts := last.points[len(last.points)-1].Timestamp
	return &ts
}

// cancelLiveExcept marks every live subtask done in place ("drop on
// dequeue" per the batch assembler / worker pool contract), except the
// one passed (which the caller finishes explicitly).
func (t *SeriesTask) cancelLiveExcept(keep *Subtask) {
	for s := range t.live {
		if s == keep {
			continue
		}
		s.Done = true
		delete(t.live, s)
	}
	t.done = true
}

// CancelRemaining marks all outstanding subtasks done without touching
// the heap/pool they may be queued in; they are discarded on dequeue.
func (t *SeriesTask) CancelRemaining() {
	t.cancelLiveExcept(nil)
}

// Result materializes the final, ordered per-series output. Raw results
// honor IncludeOutsidePoints by retaining any chunk point outside
// [Start, End) only at the very first/last position.
func (t *SeriesTask) Result() types.SeriesResult {
	res := types.SeriesResult{
		Identifier:     t.Query.Identifier,
		IsString:       t.Query.IsString,
		Missing:        t.missing,
		AggregateNames: t.Query.Aggregates,
	}
	if t.missing {
		return res
	}

	if t.Query.IsRawQuery {
		points := make([]types.Datapoint, 0, t.nDpsFetched)
		for _, c := range t.rawChunks {
			points = append(points, c.points...)
		}
		res.Raw = clampOutsidePoints(points, t.Query.Start, t.Query.End, t.Query.IncludeOutsidePoints)
		return res
	}

	points := make([]types.AggregateDatapoint, 0, t.nDpsFetched)
	for _, c := range t.aggChunks {
		points = append(points, c.points...)
	}
	res.Aggregates = points
	return res
}

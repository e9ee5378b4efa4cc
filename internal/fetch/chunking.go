package fetch

import (
	"container/heap"
	"context"
	"errors"
	"math"

	"github.com/fluxseries/dpsfetch/internal/metrics"
	"github.com/fluxseries/dpsfetch/internal/pool"
	"github.com/fluxseries/dpsfetch/internal/query"
	"github.com/fluxseries/dpsfetch/internal/task"
	"github.com/fluxseries/dpsfetch/internal/transport"
	"github.com/fluxseries/dpsfetch/internal/types"
)

// runChunking implements the Chunking Fetcher: a discovery phase that
// coalesces every series into a handful of combined requests to learn
// which identifiers exist and seed a first batch of data, followed by a
// drain loop that keeps combining the still-unfinished series' next
// subtasks into backpressure-gated batches until every task is done.
func runChunking(ctx context.Context, tr Transport, expanded *query.Expanded, maxWorkers int, ignoreUnknownIDs bool, m *metrics.Metrics) (map[*types.SingleSeriesQuery]*task.SeriesTask, error) {
	tasks := make(map[*types.SingleSeriesQuery]*task.SeriesTask, len(expanded.All))

	// Missing identifiers from both partitions are collected and reported
	// together in one error; any other error aborts at once.
	var missing []types.Identifier
	collect := func(err error) error {
		var me *transport.MissingIDsError
		if errors.As(err, &me) {
			missing = append(missing, me.Missing...)
			return nil
		}
		return err
	}
	if err := collect(discover(ctx, tr, expanded.RawOnly, types.DPSLimit, maxWorkers, ignoreUnknownIDs, tasks, m)); err != nil {
		return nil, err
	}
	if err := collect(discover(ctx, tr, expanded.AggregateOnly, types.DPSLimitAgg, maxWorkers, ignoreUnknownIDs, tasks, m)); err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, &transport.MissingIDsError{Missing: missing}
	}

	if err := drain(ctx, tr, tasks, maxWorkers, ignoreUnknownIDs, m); err != nil {
		return nil, err
	}
	return tasks, nil
}

// discover runs Phase A for one partition (raw or aggregate): it splits
// queries into chunks of at most FetchTSLimit items, water-fills each
// chunk's per-series limit against maxLimit, and fires one combined
// request per chunk at discovery priority. Every chunk must complete
// before discover returns, since a hard missing-identifier error aborts
// the whole call.
func discover(ctx context.Context, tr Transport, queries []*types.SingleSeriesQuery, maxLimit int, maxWorkers int, ignoreUnknownIDs bool, tasks map[*types.SingleSeriesQuery]*task.SeriesTask, m *metrics.Metrics) error {
	var live []*types.SingleSeriesQuery
	for _, q := range queries {
		if q.CappedLimit != nil && *q.CappedLimit == 0 {
			// limit=0 means no data was ever requested; NewSeriesTask
			// already finishes such a task with an empty, non-missing
			// result, so there is nothing worth a network round trip for.
			tasks[q] = task.NewSeriesTask(q)
			continue
		}
		live = append(live, q)
	}
	queries = live

	if len(queries) == 0 {
		return nil
	}

	chunks := chunkQueries(queries, maxWorkers)
	p := pool.New(maxWorkers)

	for _, chunk := range chunks {
		submitDiscoveryChunk(p, tr, ctx, chunk, maxLimit)
	}

	var missing []types.Identifier
	var fatalErr error
	remaining := len(chunks)

	for remaining > 0 {
		raw, ok := <-p.Results()
		if !ok {
			break
		}
		remaining--
		c := raw.(discoveryCompletion)

		if c.err != nil {
			if m != nil {
				m.BatchesFailed.Inc()
			}
			fatalErr = c.err
			continue
		}
		if m != nil {
			m.BatchesSent.Inc()
		}

		matched := make(map[*types.SingleSeriesQuery]types.ResponseItem, len(c.queries))
		for _, it := range c.items {
			for _, q := range c.queries {
				if it.Matches(q.Identifier) {
					matched[q] = it
					break
				}
			}
		}
		for i, q := range c.queries {
			item, ok := matched[q]
			if !ok {
				if ignoreUnknownIDs || q.IgnoreUnknownIDs {
					q.IsMissing = true
					continue
				}
				missing = append(missing, q.Identifier)
				continue
			}
			q.IsString = item.IsString
			t := task.NewSeriesTask(q)
			tasks[q] = t
			t.SeedInitialResult(item, c.limits[i])
		}
	}

	p.Shutdown()

	if fatalErr != nil {
		return fatalErr
	}
	if len(missing) > 0 {
		return &transport.MissingIDsError{Missing: missing}
	}
	return nil
}

type discoveryCompletion struct {
	queries []*types.SingleSeriesQuery
	limits  []int
	items   []types.ResponseItem
	err     error
}

func submitDiscoveryChunk(p *pool.Pool, tr Transport, ctx context.Context, chunk []*types.SingleSeriesQuery, maxLimit int) {
	limitsIn := make([]int, len(chunk))
	for i, q := range chunk {
		if q.CappedLimit == nil {
			limitsIn[i] = -1
		} else {
			limitsIn[i] = *q.CappedLimit
		}
	}
	limits := task.DistributeLimits(limitsIn, maxLimit)

	p.Submit(types.PriorityDiscovery, func() any {
		items := make([]types.RequestItem, len(chunk))
		for i, q := range chunk {
			items[i] = types.RequestItem{
				Identifier:           q.Identifier,
				Start:                q.Start,
				End:                  q.End,
				Limit:                limits[i],
				IncludeOutsidePoints: q.IncludeOutsidePoints,
			}
			if !q.IsRawQuery {
				items[i].Aggregates = q.Aggregates
				items[i].Granularity = q.Granularity
			}
		}
		resp, err := tr.FetchBatch(ctx, items, true)
		return discoveryCompletion{queries: chunk, limits: limits, items: resp, err: err}
	})
}

// chunkQueries partitions queries into at most max(maxWorkers,
// ceil(n/FetchTSLimit)) near-equal slices, each capped at FetchTSLimit
// items — the discovery phase's fan-out factor.
func chunkQueries(queries []*types.SingleSeriesQuery, maxWorkers int) [][]*types.SingleSeriesQuery {
	n := len(queries)
	nChunks := int(math.Ceil(float64(n) / float64(types.FetchTSLimit)))
	if nChunks < maxWorkers {
		nChunks = maxWorkers
	}
	if nChunks < 1 {
		nChunks = 1
	}
	if nChunks > n {
		nChunks = n
	}

	size := int(math.Ceil(float64(n) / float64(nChunks)))
	var chunks [][]*types.SingleSeriesQuery
	for i := 0; i < n; i += size {
		end := i + size
		if end > n {
			end = n
		}
		chunks = append(chunks, queries[i:end])
	}
	return chunks
}

// heapEntry is one still-live subtask waiting to be folded into a
// combined batch, ordered by (priority, seq) exactly like the pool's job
// heap so within-series and across-series FIFO-ish fairness matches.
type heapEntry struct {
	sub   *task.Subtask
	query *types.SingleSeriesQuery
	seq   uint64
}

type entryHeap []*heapEntry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].sub.Priority != h[j].sub.Priority {
		return h[i].sub.Priority < h[j].sub.Priority
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)        { *h = append(*h, x.(*heapEntry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

type chunkingCompletion struct {
	subs  []*heapEntry
	items []types.ResponseItem
	err   error
}

// drain implements Phase B: a pair of subtask pools (priority heaps), one
// per kind, persisted across the whole drain rather than rebuilt every
// iteration. A task contributes a fresh subtask to its pool only once it
// has no subtask already pooled or in flight — outstanding tracks that
// count per task — so the same uncovered range is never requested twice
// in parallel. Batches are assembled from whichever heap holds the
// highest-priority work, gated by the pool's pending depth, until every
// task is done. A failed batch other than a missing-identifier error is
// fatal and its error is returned.
func drain(ctx context.Context, tr Transport, tasks map[*types.SingleSeriesQuery]*task.SeriesTask, maxWorkers int, ignoreUnknownIDs bool, m *metrics.Metrics) error {
	p := pool.New(maxWorkers)
	defer p.Shutdown()

	rawHeap, aggHeap := &entryHeap{}, &entryHeap{}
	heap.Init(rawHeap)
	heap.Init(aggHeap)

	outstanding := make(map[*types.SingleSeriesQuery]int, len(tasks))

	var seq uint64
	inFlight := 0

	refill := func() {
		nRaw, nAgg := 0, 0
		for q, t := range tasks {
			if t.IsDone() || q.IsMissing {
				continue
			}
			if q.IsRawQuery {
				nRaw++
			} else {
				nAgg++
			}
		}

		capRaw := perRequestCap(types.DPSLimit, nRaw)
		capAgg := perRequestCap(types.DPSLimitAgg, nAgg)

		for q, t := range tasks {
			if t.IsDone() || q.IsMissing || outstanding[q] > 0 {
				continue
			}
			requestCap := capRaw
			if !q.IsRawQuery {
				requestCap = capAgg
			}
			subs := t.NextSubtasks(requestCap)
			if len(subs) == 0 {
				continue
			}
			outstanding[q] = len(subs)
			for _, sub := range subs {
				seq++
				entry := &heapEntry{sub: sub, query: q, seq: seq}
				if q.IsRawQuery {
					heap.Push(rawHeap, entry)
				} else {
					heap.Push(aggHeap, entry)
				}
			}
		}
	}

	for {
		refill()

		if rawHeap.Len() == 0 && aggHeap.Len() == 0 && inFlight == 0 {
			return nil
		}

		for rawHeap.Len() > 0 || aggHeap.Len() > 0 {
			if p.Pending() > 2*maxWorkers {
				break
			}
			batch := assembleBatch(rawHeap, aggHeap)
			if len(batch) == 0 {
				break
			}
			submitBatch(p, tr, ctx, batch)
			inFlight++
		}

		if inFlight == 0 {
			continue
		}

		raw, ok := <-p.Results()
		if !ok {
			return nil
		}
		inFlight--
		c := raw.(chunkingCompletion)

		if c.err != nil {
			if m != nil {
				m.BatchesFailed.Inc()
			}
			var missing *transport.MissingIDsError
			tolerate := errors.As(c.err, &missing)
			if !tolerate {
				return c.err
			}
			for _, entry := range c.subs {
				outstanding[entry.query]--
				if tolerate && (entry.query.IgnoreUnknownIDs || ignoreUnknownIDs) {
					entry.query.IsMissing = true
				}
			}
			continue
		}
		if m != nil {
			m.BatchesSent.Inc()
		}

		for _, entry := range c.subs {
			outstanding[entry.query]--
			if entry.sub.Done {
				continue
			}
			var item types.ResponseItem
			found := false
			for _, it := range c.items {
				if it.Matches(entry.query.Identifier) {
					item, found = it, true
					break
				}
			}
			if !found {
				continue
			}
			requestedLimit, _ := limitOf(entry.sub)
			spawned, _ := tasks[entry.query].StorePartialResult(entry.sub, item, requestedLimit)
			if m != nil {
				m.DatapointsFetched.Add(float64(len(item.Raw) + len(item.Aggregates)))
				m.SubtasksSplit.Add(float64(len(spawned)))
			}
			// Continuations and split children StorePartialResult queued
			// on the task's pending list are picked up by the next
			// refill() once outstanding for this task reaches zero.
		}
	}
}

// perRequestCap derives the per-series limit cap for one request in the
// drain loop: the server-wide budget split evenly across a handful of
// concurrent chunks, so a single slow series can't monopolize the cap.
func perRequestCap(budget, nUnfinished int) int {
	if nUnfinished <= 0 {
		return budget
	}
	nChunk := (nUnfinished + 9) / 10
	if nChunk < 1 {
		nChunk = 1
	}
	requestCap := budget / nChunk
	if requestCap < 1 {
		requestCap = 1
	}
	return requestCap
}

// assembleBatch pops subtasks from whichever heap holds the
// next-highest-priority entry, respecting the server's item count and
// per-kind datapoint budget, until a cap is hit or both heaps are empty.
func assembleBatch(rawHeap, aggHeap *entryHeap) []*heapEntry {
	var batch []*heapEntry
	rawBudget, aggBudget := types.DPSLimit, types.DPSLimitAgg

	for len(batch) < types.FetchTSLimit && (rawHeap.Len() > 0 || aggHeap.Len() > 0) {
		pickRaw := rawHeap.Len() > 0 && (aggHeap.Len() == 0 || (*rawHeap)[0].sub.Priority <= (*aggHeap)[0].sub.Priority)
		if pickRaw {
			if rawBudget <= 0 {
				if aggHeap.Len() == 0 {
					break
				}
				pickRaw = false
			}
		}

		if pickRaw {
			entry := (*rawHeap)[0]
			limit, _ := limitOf(entry.sub)
			if limit > rawBudget {
				break
			}
			heap.Pop(rawHeap)
			batch = append(batch, entry)
			rawBudget -= limit
		} else {
			if aggHeap.Len() == 0 {
				break
			}
			entry := (*aggHeap)[0]
			limit, _ := limitOf(entry.sub)
			if limit > aggBudget {
				break
			}
			heap.Pop(aggHeap)
			batch = append(batch, entry)
			aggBudget -= limit
		}
	}

	return batch
}

func limitOf(sub *task.Subtask) (int, bool) {
	payload, ok := sub.NextPayload()
	if !ok {
		return 0, false
	}
	return payload.Limit, true
}

func submitBatch(p *pool.Pool, tr Transport, ctx context.Context, batch []*heapEntry) {
	priority := 0
	for _, e := range batch {
		priority += e.sub.Priority
	}
	priority /= len(batch)

	p.Submit(priority, func() any {
		var items []types.RequestItem
		var live []*heapEntry
		for _, e := range batch {
			payload, ok := e.sub.NextPayload()
			if !ok {
				continue
			}
			items = append(items, payload)
			live = append(live, e)
		}
		if len(items) == 0 {
			return chunkingCompletion{subs: live}
		}
		resp, err := tr.FetchBatch(ctx, items, true)
		if err != nil {
			return chunkingCompletion{subs: live, err: err}
		}
		return chunkingCompletion{subs: live, items: resp}
	})
}

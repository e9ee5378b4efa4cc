package fetch

import (
	"context"
	"errors"

	"github.com/fluxseries/dpsfetch/internal/metrics"
	"github.com/fluxseries/dpsfetch/internal/pool"
	"github.com/fluxseries/dpsfetch/internal/task"
	"github.com/fluxseries/dpsfetch/internal/transport"
	"github.com/fluxseries/dpsfetch/internal/types"
)

// eagerCompletion is what a worker job hands back on the pool's
// completion channel: the subtask that ran, the response (or error), and
// the per-request limit that was actually requested (needed to detect a
// full page).
type eagerCompletion struct {
	sub            *task.Subtask
	query          *types.SingleSeriesQuery
	item           types.ResponseItem
	requestedLimit int
	err            error
	skipped        bool // subtask was already obsolete at dispatch time (JIT)
}

// runEager implements the Eager Fetcher: one subtask per request, a
// single scheduler goroutine consuming the pool's completion stream,
// resubmitting subtasks as they split or remain partial.
func runEager(ctx context.Context, tr Transport, queries []*types.SingleSeriesQuery, maxWorkers int, ignoreUnknownIDs bool, m *metrics.Metrics) (map[*types.SingleSeriesQuery]*task.SeriesTask, error) {
	p := pool.New(maxWorkers)
	tasks := make(map[*types.SingleSeriesQuery]*task.SeriesTask, len(queries))

	nQueries := len(queries)
	pending := 0
	for _, q := range queries {
		t := task.NewSeriesTask(q)
		tasks[q] = t
		if t.IsDone() {
			continue // limit=0 — nothing to fetch
		}
		for _, sub := range t.SplitIntoSubtasks(maxWorkers, nQueries) {
			submitEager(p, tr, ctx, q, sub)
			pending++
		}
	}

	done := make(map[*types.SingleSeriesQuery]bool, len(tasks))
	for q, t := range tasks {
		if t.IsDone() {
			done[q] = true
		}
	}

	for len(done) < len(tasks) && pending > 0 {
		raw, ok := <-p.Results()
		if !ok {
			break
		}
		pending--
		c := raw.(eagerCompletion)
		t := tasks[c.query]

		if !c.skipped {
			if c.err != nil {
				var missing *transport.MissingIDsError
				if errors.As(c.err, &missing) && (c.query.IgnoreUnknownIDs || ignoreUnknownIDs) {
					t.MarkMissing()
					if m != nil {
						m.BatchesSent.Inc()
					}
				} else {
					if m != nil {
						m.BatchesFailed.Inc()
					}
					p.Shutdown()
					return nil, c.err
				}
			} else if c.sub.Done {
				// The subtask was cancelled (task finished/limit reached)
				// while this request was already in flight; drop its result.
			} else {
				if m != nil {
					m.BatchesSent.Inc()
					m.DatapointsFetched.Add(float64(len(c.item.Raw) + len(c.item.Aggregates)))
				}
				spawned, stillLive := t.StorePartialResult(c.sub, c.item, c.requestedLimit)
				if stillLive {
					submitEager(p, tr, ctx, c.query, c.sub)
					pending++
				}
				for _, child := range spawned {
					submitEager(p, tr, ctx, c.query, child)
					pending++
					if m != nil {
						m.SubtasksSplit.Inc()
					}
				}
			}
		}

		if !done[c.query] && t.IsDone() {
			done[c.query] = true
		}
	}

	p.Shutdown()
	return tasks, nil
}

func submitEager(p *pool.Pool, tr Transport, ctx context.Context, q *types.SingleSeriesQuery, sub *task.Subtask) {
	p.Submit(sub.Priority, func() any {
		payload, ok := sub.NextPayload()
		if !ok {
			return eagerCompletion{sub: sub, query: q, skipped: true}
		}
		// Always send ignoreUnknownIds=false on the wire: a single-item
		// batch with the flag set tolerated would come back 200 with the
		// series simply absent, and a missing identifier would never
		// surface at all. The completion handler cross-references the
		// resulting *transport.MissingIDsError against the soft/hard
		// policy instead, the way the chunking discovery phase does.
		items, err := tr.FetchBatch(ctx, []types.RequestItem{payload}, false)
		if err != nil {
			return eagerCompletion{sub: sub, query: q, err: err, requestedLimit: payload.Limit}
		}
		var item types.ResponseItem
		for _, it := range items {
			if it.Matches(q.Identifier) {
				item = it
				break
			}
		}
		return eagerCompletion{sub: sub, query: q, item: item, requestedLimit: payload.Limit}
	})
}

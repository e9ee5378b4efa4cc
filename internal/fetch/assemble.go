package fetch

import (
	"github.com/fluxseries/dpsfetch/internal/task"
	"github.com/fluxseries/dpsfetch/internal/types"
)

// assemble iterates queries in their original order and materializes each
// one's SeriesTask into the final output slice. A query with no task
// entry (an ignored-missing series the chunking fetcher never created a
// task for) is still emitted as a missing, empty result, preserving
// positional order and duplicates.
func assemble(queries []*types.SingleSeriesQuery, tasks map[*types.SingleSeriesQuery]*task.SeriesTask) []types.SeriesResult {
	out := make([]types.SeriesResult, 0, len(queries))
	for _, q := range queries {
		t, ok := tasks[q]
		if !ok {
			out = append(out, types.SeriesResult{Identifier: q.Identifier, Missing: true, AggregateNames: q.Aggregates})
			continue
		}
		out = append(out, t.Result())
	}
	return out
}

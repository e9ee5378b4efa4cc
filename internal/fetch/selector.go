// Package fetch implements the strategy selector, the Eager and Chunking
// fetchers, and the result assembler — the scheduling heart of the
// engine. A single exported entry point, FetchAll, drives the whole
// pipeline from validated queries to ordered per-series results.
package fetch

import (
	"context"

	"github.com/fluxseries/dpsfetch/internal/config"
	"github.com/fluxseries/dpsfetch/internal/metrics"
	"github.com/fluxseries/dpsfetch/internal/query"
	"github.com/fluxseries/dpsfetch/internal/task"
	"github.com/fluxseries/dpsfetch/internal/types"
)

// Transport is the network interface fetchers depend on; satisfied by
// *transport.Client, mockable in tests.
type Transport interface {
	FetchBatch(ctx context.Context, items []types.RequestItem, ignoreUnknownIDs bool) ([]types.ResponseItem, error)
}

// Strategy names which fetcher handles a call.
type Strategy string

const (
	StrategyEager    Strategy = "eager"
	StrategyChunking Strategy = "chunking"
)

// SelectStrategy chooses Eager when there are few enough series that each
// can afford its own concurrent subtasks, Chunking otherwise — coalescing
// is necessary once fan-out would blow past the server's per-request
// item cap.
func SelectStrategy(nQueries, maxWorkers int) Strategy {
	if nQueries <= maxWorkers {
		return StrategyEager
	}
	return StrategyChunking
}

// FetchAll validates, expands, and fetches a batch of user queries,
// returning ordered per-series results.
func FetchAll(ctx context.Context, tr Transport, userQueries []types.UserQuery, engineCfg config.EngineConfig, m *metrics.Metrics) ([]types.SeriesResult, error) {
	expanded, err := query.Validate(userQueries)
	if err != nil {
		return nil, err
	}
	if len(expanded.All) == 0 {
		return nil, nil
	}

	maxWorkers := engineCfg.MaxWorkers
	if maxWorkers < 1 {
		maxWorkers = 1
	}

	var tasks map[*types.SingleSeriesQuery]*task.SeriesTask
	strategy := SelectStrategy(len(expanded.All), maxWorkers)
	switch strategy {
	case StrategyEager:
		tasks, err = runEager(ctx, tr, expanded.All, maxWorkers, engineCfg.IgnoreUnknownIDs, m)
	default:
		tasks, err = runChunking(ctx, tr, expanded, maxWorkers, engineCfg.IgnoreUnknownIDs, m)
	}
	if err != nil {
		return nil, err
	}

	return assemble(expanded.All, tasks), nil
}

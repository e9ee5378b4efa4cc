package fetch

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"

	"github.com/fluxseries/dpsfetch/internal/config"
	"github.com/fluxseries/dpsfetch/internal/mockserver"
	"github.com/fluxseries/dpsfetch/internal/transport"
	"github.com/fluxseries/dpsfetch/internal/types"
)

func newTestClient(t *testing.T, srv *mockserver.Server) *transport.Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Transport.BaseURL = srv.URL
	return transport.New(&cfg.Transport, slog.Default())
}

func denseRaw(n int, step int64) []types.Datapoint {
	out := make([]types.Datapoint, n)
	for i := 0; i < n; i++ {
		out[i] = types.Datapoint{Timestamp: int64(i) * step, Value: float64(i)}
	}
	return out
}

func idQuery(id int64) types.UserQuery {
	return types.UserQuery{
		Start: int64Ptr(0),
		End:   int64Ptr(100_000),
		IDs:   []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: id}}},
	}
}

func int64Ptr(v int64) *int64 { return &v }

func TestFetchAllEagerStrategySmallBatch(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()

	srv.AddRaw(1, denseRaw(10, 100))
	srv.AddRaw(2, denseRaw(20, 50))
	srv.AddRaw(3, denseRaw(5, 1000))

	client := newTestClient(t, srv)
	queries := []types.UserQuery{idQuery(1), idQuery(2), idQuery(3)}
	engineCfg := config.EngineConfig{MaxWorkers: 4}

	if got := SelectStrategy(3, 4); got != StrategyEager {
		t.Fatalf("SelectStrategy(3,4) = %v, want eager", got)
	}

	results, err := FetchAll(context.Background(), client, queries, engineCfg, nil)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	want := []int{10, 20, 5}
	for i, r := range results {
		if len(r.Raw) != want[i] {
			t.Errorf("results[%d] has %d points, want %d", i, len(r.Raw), want[i])
		}
		if !sort.SliceIsSorted(r.Raw, func(a, b int) bool { return r.Raw[a].Timestamp < r.Raw[b].Timestamp }) {
			t.Errorf("results[%d].Raw is not sorted by timestamp", i)
		}
	}
}

func TestFetchAllChunkingStrategyManySeries(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()

	const n = 50
	queries := make([]types.UserQuery, 0, n)
	for i := int64(1); i <= n; i++ {
		srv.AddRaw(i, denseRaw(30, 1000))
		queries = append(queries, idQuery(i))
	}

	client := newTestClient(t, srv)
	engineCfg := config.EngineConfig{MaxWorkers: 4}

	if got := SelectStrategy(n, 4); got != StrategyChunking {
		t.Fatalf("SelectStrategy(%d,4) = %v, want chunking", n, got)
	}

	results, err := FetchAll(context.Background(), client, queries, engineCfg, nil)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(results) != n {
		t.Fatalf("len(results) = %d, want %d", len(results), n)
	}
	for i, r := range results {
		if len(r.Raw) != 30 {
			t.Errorf("results[%d] has %d points, want 30", i, len(r.Raw))
		}
		if r.Identifier.ID != int64(i+1) {
			t.Errorf("results[%d].Identifier.ID = %d, want %d (order preserved)", i, r.Identifier.ID, i+1)
		}
	}
}

func TestFetchAllLimitCapsAcrossMultiplePages(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()
	srv.AddRaw(1, denseRaw(500, 10))

	client := newTestClient(t, srv)
	limit := 150
	queries := []types.UserQuery{{
		Start: int64Ptr(0),
		End:   int64Ptr(100_000),
		Limit: &limit,
		IDs:   []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}},
	}}
	engineCfg := config.EngineConfig{MaxWorkers: 2}

	results, err := FetchAll(context.Background(), client, queries, engineCfg, nil)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(results[0].Raw) != limit {
		t.Fatalf("len(Raw) = %d, want %d (limit honored)", len(results[0].Raw), limit)
	}
	for i := 1; i < len(results[0].Raw); i++ {
		if results[0].Raw[i-1].Timestamp >= results[0].Raw[i].Timestamp {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}
}

func TestFetchAllMissingIdentifierHardErrorByDefault(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()
	srv.AddRaw(1, denseRaw(5, 100))
	// id=2 is never registered, so it's reported missing by the server.

	client := newTestClient(t, srv)
	queries := []types.UserQuery{idQuery(1), idQuery(2)}
	engineCfg := config.EngineConfig{MaxWorkers: 4}

	_, err := FetchAll(context.Background(), client, queries, engineCfg, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown identifier with ignore_unknown_ids unset")
	}
	var missing *transport.MissingIDsError
	if !errors.As(err, &missing) {
		t.Fatalf("error = %v, want *transport.MissingIDsError", err)
	}
}

func TestFetchAllMissingIdentifierToleratedWhenIgnored(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()
	srv.AddRaw(1, denseRaw(5, 100))

	client := newTestClient(t, srv)
	queries := []types.UserQuery{idQuery(1), idQuery(2)}
	engineCfg := config.EngineConfig{MaxWorkers: 4, IgnoreUnknownIDs: true}

	results, err := FetchAll(context.Background(), client, queries, engineCfg, nil)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Missing {
		t.Error("results[0].Missing = true, want false (id=1 was registered)")
	}
	if !results[1].Missing {
		t.Error("results[1].Missing = false, want true (id=2 was never registered)")
	}
}

// TestFetchAllChunkingDrainCompletesManySeriesNeedingASecondPage exercises
// Phase B on a scale where discovery alone cannot satisfy every series: each
// of 40 series has more points in range than the discovery phase's
// water-filled per-series share, so every task needs exactly one more round
// through drain's refill loop. It guards against the refill loop
// re-deriving a subtask for a task that already has one pooled or in
// flight — which would show up here as request counts far beyond the
// handful of batches this scenario actually needs, or as corrupted/extra
// datapoints in the final result.
func TestFetchAllChunkingDrainCompletesManySeriesNeedingASecondPage(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()

	const n = 40
	const step = int64(100)
	const end = int64(505_000) // leaves ~50 points beyond discovery's first page
	queries := make([]types.UserQuery, 0, n)
	for i := int64(1); i <= n; i++ {
		srv.AddRaw(i, denseRaw(6000, step))
		queries = append(queries, types.UserQuery{
			Start: int64Ptr(0),
			End:   int64Ptr(end),
			IDs:   []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: i}}},
		})
	}

	client := newTestClient(t, srv)
	engineCfg := config.EngineConfig{MaxWorkers: 2}

	if got := SelectStrategy(n, 2); got != StrategyChunking {
		t.Fatalf("SelectStrategy(%d,2) = %v, want chunking", n, got)
	}

	results, err := FetchAll(context.Background(), client, queries, engineCfg, nil)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(results) != n {
		t.Fatalf("len(results) = %d, want %d", len(results), n)
	}

	wantPoints := int(end / step) // every fixture point with timestamp < end
	for i, r := range results {
		if len(r.Raw) != wantPoints {
			t.Errorf("results[%d] has %d points, want %d", i, len(r.Raw), wantPoints)
		}
		for j := 1; j < len(r.Raw); j++ {
			if r.Raw[j-1].Timestamp >= r.Raw[j].Timestamp {
				t.Fatalf("results[%d].Raw timestamps not strictly increasing at %d (duplicate/overlapping subtask?)", i, j)
			}
		}
	}

	// Discovery needs 2 chunked requests (maxWorkers=2), and drain needs
	// one more round per series batched a handful at a time. A refill loop
	// that re-derives subtasks for tasks already in flight would multiply
	// this far beyond what the scenario actually requires.
	if got := srv.RequestCount(); got > 20 {
		t.Errorf("RequestCount() = %d, want <= 20 (drain should not re-derive subtasks for tasks already in flight)", got)
	}
}

func TestFetchAllAggregateQuery(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()
	srv.AddAggregate(1, []mockserver.AggPoint{
		{Timestamp: 0, Values: map[string]float64{"average": 1.5, "max": 3}},
		{Timestamp: 3_600_000, Values: map[string]float64{"average": 2.5, "max": 4}},
	})

	client := newTestClient(t, srv)
	queries := []types.UserQuery{{
		Start:       int64Ptr(0),
		End:         int64Ptr(10_000_000),
		Aggregates:  []string{"average", "max"},
		Granularity: "1h",
		IDs:         []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}},
	}}
	engineCfg := config.EngineConfig{MaxWorkers: 4}

	results, err := FetchAll(context.Background(), client, queries, engineCfg, nil)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	if len(results[0].Aggregates) != 2 {
		t.Fatalf("len(Aggregates) = %d, want 2", len(results[0].Aggregates))
	}
	if len(results[0].Raw) != 0 {
		t.Errorf("Raw = %+v, want empty for an aggregate query", results[0].Raw)
	}
}

func TestFetchAllIncludeOutsidePointsCoverageInvariant(t *testing.T) {
	srv := mockserver.New()
	defer srv.Close()
	points := append([]types.Datapoint{{Timestamp: 50, Value: -1}}, denseRaw(20, 100)...)
	points = append(points, types.Datapoint{Timestamp: 2100, Value: 99})
	srv.AddRaw(1, points)

	client := newTestClient(t, srv)
	queries := []types.UserQuery{{
		Start:                int64Ptr(100),
		End:                  int64Ptr(2000),
		IncludeOutsidePoints: true,
		IDs:                  []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}},
	}}
	engineCfg := config.EngineConfig{MaxWorkers: 4}

	results, err := FetchAll(context.Background(), client, queries, engineCfg, nil)
	if err != nil {
		t.Fatalf("FetchAll() error = %v", err)
	}
	raw := results[0].Raw
	before, after := 0, 0
	for _, p := range raw {
		if p.Timestamp < 100 {
			before++
		}
		if p.Timestamp >= 2000 {
			after++
		}
	}
	if before > 1 || after > 1 {
		t.Fatalf("before=%d after=%d outliers, want at most 1 each", before, after)
	}
}

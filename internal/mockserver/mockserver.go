// Package mockserver implements a scriptable fake /timeseries/data/list
// endpoint for tests: an httptest.Server routed with gorilla/mux, the same
// router/handler shape as Outblock-flowindex's internal/api server. Fixtures
// are registered per series and served page by page according to the
// request's start/end/limit, so Eager vs. Chunking behavior can be
// exercised end to end without a live backend.
package mockserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"

	"github.com/gorilla/mux"

	"github.com/fluxseries/dpsfetch/internal/types"
)

type wireRequest struct {
	IgnoreUnknownIDs bool       `json:"ignoreUnknownIds"`
	Items            []wireItem `json:"items"`
}

type wireItem struct {
	ID                   int64    `json:"id,omitempty"`
	ExternalID           string   `json:"externalId,omitempty"`
	Start                int64    `json:"start"`
	End                  int64    `json:"end"`
	Aggregates           []string `json:"aggregates,omitempty"`
	Granularity          string   `json:"granularity,omitempty"`
	Limit                int      `json:"limit"`
	IncludeOutsidePoints bool     `json:"includeOutsidePoints,omitempty"`
}

type wireResponse struct {
	Items []wireResponseItem `json:"items"`
}

type wireResponseItem struct {
	ID         int64           `json:"id"`
	ExternalID string          `json:"externalId"`
	IsString   bool            `json:"isString"`
	IsStep     bool            `json:"isStep"`
	Datapoints []wireDatapoint `json:"datapoints"`
}

type wireDatapoint struct {
	Timestamp int64    `json:"timestamp"`
	Value     *float64 `json:"value,omitempty"`
	Average   *float64 `json:"average,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	Min       *float64 `json:"min,omitempty"`
	Count     *float64 `json:"count,omitempty"`
	Sum       *float64 `json:"sum,omitempty"`
}

// AggPoint is one fixture aggregate bucket: named values keyed by aggregate
// name ("average", "max", "min", "count", "sum"), matching the wire fields.
type AggPoint struct {
	Timestamp int64
	Values    map[string]float64
}

type fixture struct {
	id       types.Identifier
	isString bool
	isStep   bool
	missing  bool
	raw      []types.Datapoint
	agg      []AggPoint
}

func fixtureKey(id types.Identifier) string {
	if id.Kind == types.IdentifierExternalID {
		return "ext:" + id.ExternalID
	}
	return fmt.Sprintf("id:%d", id.ID)
}

// Server is a scriptable fake /timeseries/data/list endpoint.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	fixtures       map[string]*fixture
	forcedFailures []int
	requestCount   int
}

// New starts a mockserver; the caller must Close it when done.
func New() *Server {
	s := &Server{fixtures: make(map[string]*fixture)}
	r := mux.NewRouter()
	r.HandleFunc("/timeseries/data/list", s.handleList).Methods(http.MethodPost)
	s.Server = httptest.NewServer(r)
	return s
}

// AddRaw registers a raw numeric series keyed by internal id.
func (s *Server) AddRaw(id int64, points []types.Datapoint) {
	s.put(&fixture{id: types.Identifier{Kind: types.IdentifierID, ID: id}, raw: sortedRaw(points)})
}

// AddRawExternal registers a raw numeric series keyed by external id.
func (s *Server) AddRawExternal(extID string, points []types.Datapoint) {
	s.put(&fixture{id: types.Identifier{Kind: types.IdentifierExternalID, ExternalID: extID}, raw: sortedRaw(points)})
}

// AddAggregate registers an aggregate series keyed by internal id.
func (s *Server) AddAggregate(id int64, points []AggPoint) {
	s.put(&fixture{id: types.Identifier{Kind: types.IdentifierID, ID: id}, agg: points})
}

// SetString marks a previously-registered series as string-valued.
func (s *Server) SetString(id types.Identifier, isString bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fx, ok := s.fixtures[fixtureKey(id)]; ok {
		fx.isString = isString
	}
}

// MarkMissing registers an identifier the server will report as unknown.
func (s *Server) MarkMissing(id types.Identifier) {
	s.put(&fixture{id: id, missing: true})
}

// ForceFailure queues one forced HTTP status for the next POST received.
func (s *Server) ForceFailure(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedFailures = append(s.forcedFailures, status)
}

// RequestCount returns how many POSTs the server has handled so far.
func (s *Server) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

func (s *Server) put(fx *fixture) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixtures[fixtureKey(fx.id)] = fx
}

func sortedRaw(points []types.Datapoint) []types.Datapoint {
	out := append([]types.Datapoint(nil), points...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

type missingEntry struct {
	ID         int64  `json:"id,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requestCount++
	if len(s.forcedFailures) > 0 {
		status := s.forcedFailures[0]
		s.forcedFailures = s.forcedFailures[1:]
		s.mu.Unlock()
		http.Error(w, fmt.Sprintf("forced failure %d", status), status)
		return
	}
	s.mu.Unlock()

	var req wireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var missing []missingEntry
	items := make([]wireResponseItem, 0, len(req.Items))
	for _, it := range req.Items {
		fx, ok := s.fixtures[fixtureKey(itemIdentifier(it))]
		if !ok || fx.missing {
			missing = append(missing, missingEntry{ID: it.ID, ExternalID: it.ExternalID})
			continue
		}
		items = append(items, buildItem(fx, it))
	}

	if len(missing) > 0 && !req.IgnoreUnknownIDs {
		writeMissingError(w, missing)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wireResponse{Items: items})
}

func itemIdentifier(it wireItem) types.Identifier {
	if it.ExternalID != "" {
		return types.Identifier{Kind: types.IdentifierExternalID, ExternalID: it.ExternalID}
	}
	return types.Identifier{Kind: types.IdentifierID, ID: it.ID}
}

func writeMissingError(w http.ResponseWriter, missing []missingEntry) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    400,
			"message": "one or more identifiers not found",
			"missing": missing,
		},
	})
}

func buildItem(fx *fixture, it wireItem) wireResponseItem {
	resp := wireResponseItem{ID: fx.id.ID, ExternalID: fx.id.ExternalID, IsString: fx.isString, IsStep: fx.isStep}
	if len(it.Aggregates) > 0 {
		resp.Datapoints = buildAggPage(fx.agg, it)
		return resp
	}
	resp.Datapoints = buildRawPage(fx.raw, it)
	return resp
}

// buildRawPage slices the fixture down to what one request is entitled to:
// up to `limit` points in [start, end), plus — when requested — the single
// nearest point just before start and the single nearest point at/after end.
func buildRawPage(points []types.Datapoint, it wireItem) []wireDatapoint {
	limit := it.Limit
	if limit <= 0 {
		limit = len(points)
	}

	var before, after *types.Datapoint
	var inRange []types.Datapoint
	for i, p := range points {
		switch {
		case p.Timestamp < it.Start:
			if it.IncludeOutsidePoints {
				b := points[i]
				before = &b
			}
		case p.Timestamp >= it.End:
			if it.IncludeOutsidePoints && after == nil {
				a := p
				after = &a
			}
		default:
			inRange = append(inRange, p)
		}
	}
	if len(inRange) > limit {
		inRange = inRange[:limit]
	}

	out := make([]wireDatapoint, 0, len(inRange)+2)
	if before != nil {
		out = append(out, rawToWire(*before))
	}
	for _, p := range inRange {
		out = append(out, rawToWire(p))
	}
	if after != nil {
		out = append(out, rawToWire(*after))
	}
	return out
}

func rawToWire(p types.Datapoint) wireDatapoint {
	v := p.Value
	return wireDatapoint{Timestamp: p.Timestamp, Value: &v}
}

func buildAggPage(points []AggPoint, it wireItem) []wireDatapoint {
	limit := it.Limit
	if limit <= 0 {
		limit = len(points)
	}
	var inRange []AggPoint
	for _, p := range points {
		if p.Timestamp >= it.Start && p.Timestamp < it.End {
			inRange = append(inRange, p)
		}
	}
	if len(inRange) > limit {
		inRange = inRange[:limit]
	}
	out := make([]wireDatapoint, 0, len(inRange))
	for _, p := range inRange {
		out = append(out, aggToWire(p))
	}
	return out
}

func aggToWire(p AggPoint) wireDatapoint {
	dp := wireDatapoint{Timestamp: p.Timestamp}
	if v, ok := p.Values["average"]; ok {
		dp.Average = floatPtr(v)
	}
	if v, ok := p.Values["max"]; ok {
		dp.Max = floatPtr(v)
	}
	if v, ok := p.Values["min"]; ok {
		dp.Min = floatPtr(v)
	}
	if v, ok := p.Values["count"]; ok {
		dp.Count = floatPtr(v)
	}
	if v, ok := p.Values["sum"]; ok {
		dp.Sum = floatPtr(v)
	}
	return dp
}

func floatPtr(v float64) *float64 { return &v }

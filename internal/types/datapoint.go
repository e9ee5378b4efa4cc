package types

// Datapoint is one raw (timestamp, value) pair.
type Datapoint struct {
	Timestamp int64
	Value     float64
}

// AggregateDatapoint is one bucket of one or more requested aggregates,
// sharing a single timestamp. Values are ordered the same way the
// aggregates were requested on the query.
type AggregateDatapoint struct {
	Timestamp int64
	Values    []float64
}

// SeriesResult is the materialized output for one SingleSeriesQuery.
type SeriesResult struct {
	Identifier Identifier
	IsString   bool
	IsStep     bool

	// Exactly one of Raw / Aggregates is populated, matching IsRawQuery.
	Raw        []Datapoint
	Aggregates []AggregateDatapoint

	// AggregateNames records the order aggregates were requested in, so
	// callers can zip it against each AggregateDatapoint.Values.
	AggregateNames []string

	// Missing is true when the identifier was not found on the server
	// and the query tolerated it (IgnoreUnknownIDs).
	Missing bool
}

// RequestItem is one item of an outgoing POST /timeseries/data/list body.
type RequestItem struct {
	Identifier           Identifier
	Start                int64
	End                  int64
	Aggregates           []string `json:"aggregates,omitempty"`
	Granularity          string   `json:"granularity,omitempty"`
	Limit                int      `json:"limit"`
	IncludeOutsidePoints bool     `json:"includeOutsidePoints,omitempty"`
}

// ResponseItem is one item of a POST /timeseries/data/list response.
type ResponseItem struct {
	ID         int64
	ExternalID string
	IsString   bool
	IsStep     bool
	Raw        []Datapoint
	Aggregates []AggregateDatapoint
}

// Matches reports whether this response item corresponds to the given
// identifier (by id or external id, whichever the identifier names).
func (r *ResponseItem) Matches(id Identifier) bool {
	if id.Kind == IdentifierExternalID {
		return r.ExternalID == id.ExternalID
	}
	return r.ID == id.ID
}

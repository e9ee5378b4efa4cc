package types

// Server-imposed caps on a single POST /timeseries/data/list request.
// Grounded on cognite/client/_api/datapoint_constants.py.
const (
	// FetchTSLimit is the maximum number of items (series) in one request.
	FetchTSLimit = 100
	// DPSLimit is the maximum number of raw datapoints summed across a request.
	DPSLimit = 100_000
	// DPSLimitAgg is the maximum number of aggregate datapoints summed across a request.
	DPSLimitAgg = 10_000
)

// Priority values for scheduled work. Lower values are dispatched first.
const (
	PriorityDiscovery = 0 // Phase-A chunking discovery batches jump the queue
	PriorityDefault   = 5
)

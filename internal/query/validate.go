// Package query implements the validator and expander described in the
// engine's component design: it turns a batch of UserQueries into flat,
// per-series SingleSeriesQuery lists, rejecting impossible combinations
// before any network I/O happens.
package query

import (
	"time"

	"github.com/fluxseries/dpsfetch/internal/types"
)

// Expanded holds the three views the rest of the engine needs: every
// expanded query in user order, and the raw/aggregate partitions of it.
type Expanded struct {
	All          []*types.SingleSeriesQuery
	AggregateOnly []*types.SingleSeriesQuery
	RawOnly       []*types.SingleSeriesQuery
}

// Validate normalizes and expands a batch of UserQueries, or returns the
// first *types.ValidationError encountered. No network I/O is performed.
func Validate(queries []types.UserQuery) (*Expanded, error) {
	out := &Expanded{}

	for _, uq := range queries {
		if err := validateUserQuery(&uq); err != nil {
			return nil, err
		}

		for _, idq := range uq.IDs {
			sq, err := expandOne(&uq, idq)
			if err != nil {
				return nil, err
			}
			out.All = append(out.All, sq)
		}
		for _, idq := range uq.ExternalIDs {
			sq, err := expandOne(&uq, idq)
			if err != nil {
				return nil, err
			}
			out.All = append(out.All, sq)
		}
	}

	for _, sq := range out.All {
		if sq.IsRawQuery {
			out.RawOnly = append(out.RawOnly, sq)
		} else {
			out.AggregateOnly = append(out.AggregateOnly, sq)
		}
	}

	return out, nil
}

func validateUserQuery(uq *types.UserQuery) error {
	if len(uq.IDs) == 0 && len(uq.ExternalIDs) == 0 {
		return &types.ValidationError{Field: "ids/externalIds", Reason: "at least one identifier is required"}
	}

	start := resolveStart(uq.Start)
	end := resolveEnd(uq.End)
	if end <= start {
		return &types.ValidationError{Field: "end", Reason: "end must be strictly greater than start"}
	}

	hasAggregates := len(uq.Aggregates) > 0
	hasGranularity := uq.Granularity != ""
	if hasAggregates != hasGranularity {
		return &types.ValidationError{Field: "aggregates/granularity", Reason: "aggregates and granularity must be specified together"}
	}
	if hasAggregates && uq.IncludeOutsidePoints {
		return &types.ValidationError{Field: "includeOutsidePoints", Reason: "not allowed together with aggregates"}
	}
	if uq.Limit != nil && *uq.Limit < 0 {
		return &types.ValidationError{Field: "limit", Reason: "must be non-negative"}
	}
	return nil
}

func expandOne(uq *types.UserQuery, idq types.IdentifierQuery) (*types.SingleSeriesQuery, error) {
	start := resolveStart(uq.Start)
	end := resolveEnd(uq.End)
	if idq.Start != nil {
		start = *idq.Start
	}
	if idq.End != nil {
		end = *idq.End
	}
	if end <= start {
		return nil, &types.ValidationError{Field: "end", Reason: "end must be strictly greater than start"}
	}

	aggregates := uq.Aggregates
	if idq.Aggregates != nil {
		aggregates = idq.Aggregates
	}
	granularity := uq.Granularity
	if idq.Granularity != "" {
		granularity = idq.Granularity
	}
	hasAggregates := len(aggregates) > 0
	hasGranularity := granularity != ""
	if hasAggregates != hasGranularity {
		return nil, &types.ValidationError{Field: "aggregates/granularity", Reason: "aggregates and granularity must be specified together"}
	}

	limit := uq.Limit
	if idq.Limit != nil {
		limit = idq.Limit
	}
	if limit != nil && *limit < 0 {
		return nil, &types.ValidationError{Field: "limit", Reason: "must be non-negative"}
	}

	includeOutside := uq.IncludeOutsidePoints
	if idq.IncludeOutsidePoints != nil {
		includeOutside = *idq.IncludeOutsidePoints
	}
	if hasAggregates && includeOutside {
		return nil, &types.ValidationError{Field: "includeOutsidePoints", Reason: "not allowed together with aggregates"}
	}

	ignoreUnknown := uq.IgnoreUnknownIDs
	if idq.IgnoreUnknownIDs != nil {
		ignoreUnknown = *idq.IgnoreUnknownIDs
	}

	isRaw := !hasAggregates

	// CappedLimit carries the user's own limit through unchanged: the only
	// ceiling this engine enforces is the per-request server cap
	// (FetchTSLimit/DPSLimit/DPSLimitAgg), applied per page at dispatch
	// time by the subtask splitter and the chunking fetcher, not a
	// separate total-limit policy here.
	return &types.SingleSeriesQuery{
		Identifier:           idq.Identifier,
		Start:                start,
		End:                  end,
		Aggregates:           aggregates,
		Granularity:          granularity,
		CappedLimit:          limit,
		IncludeOutsidePoints: includeOutside,
		IgnoreUnknownIDs:     ignoreUnknown,
		IsRawQuery:           isRaw,
	}, nil
}

func resolveStart(start *int64) int64 {
	if start == nil {
		return 0
	}
	return *start
}

// resolveEnd defaults a missing end to "now", per the UserQuery contract.
// Absolute ms resolution of relative time strings happens upstream of the
// core; by the time a UserQuery reaches this validator, start/end are
// already either absolute ms or nil.
func resolveEnd(end *int64) int64 {
	if end == nil {
		return time.Now().UnixMilli()
	}
	return *end
}

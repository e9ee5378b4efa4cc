package query

import (
	"testing"

	"github.com/fluxseries/dpsfetch/internal/types"
)

func ptr[T any](v T) *T { return &v }

func TestValidateExpandsIDsBeforeExternalIDs(t *testing.T) {
	queries := []types.UserQuery{
		{
			Start: ptr(int64(0)),
			End:   ptr(int64(1000)),
			IDs: []types.IdentifierQuery{
				{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}},
				{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 2}},
			},
			ExternalIDs: []types.IdentifierQuery{
				{Identifier: types.Identifier{Kind: types.IdentifierExternalID, ExternalID: "a"}},
			},
		},
	}

	expanded, err := Validate(queries)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(expanded.All) != 3 {
		t.Fatalf("len(All) = %d, want 3", len(expanded.All))
	}
	want := []types.Identifier{
		{Kind: types.IdentifierID, ID: 1},
		{Kind: types.IdentifierID, ID: 2},
		{Kind: types.IdentifierExternalID, ExternalID: "a"},
	}
	for i, sq := range expanded.All {
		if sq.Identifier != want[i] {
			t.Errorf("All[%d].Identifier = %v, want %v", i, sq.Identifier, want[i])
		}
	}
}

func TestValidateDuplicateIdentifiersPreserved(t *testing.T) {
	queries := []types.UserQuery{
		{
			Start: ptr(int64(0)),
			End:   ptr(int64(1000)),
			IDs: []types.IdentifierQuery{
				{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 7}},
				{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 7}},
			},
		},
	}
	expanded, err := Validate(queries)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(expanded.All) != 2 {
		t.Fatalf("len(All) = %d, want 2 (duplicates preserved)", len(expanded.All))
	}
}

func TestValidateRejectsMissingIdentifiers(t *testing.T) {
	queries := []types.UserQuery{{Start: ptr(int64(0)), End: ptr(int64(1000))}}
	if _, err := Validate(queries); err == nil {
		t.Fatal("expected error for query with no id/externalId")
	}
}

func TestValidateRejectsEndNotAfterStart(t *testing.T) {
	queries := []types.UserQuery{
		{
			Start: ptr(int64(1000)),
			End:   ptr(int64(1000)),
			IDs:   []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}},
		},
	}
	if _, err := Validate(queries); err == nil {
		t.Fatal("expected error when end == start")
	}
}

func TestValidateRejectsAggregatesWithoutGranularity(t *testing.T) {
	queries := []types.UserQuery{
		{
			Start:      ptr(int64(0)),
			End:        ptr(int64(1000)),
			Aggregates: []string{"average"},
			IDs:        []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}},
		},
	}
	if _, err := Validate(queries); err == nil {
		t.Fatal("expected error for aggregates without granularity")
	}
}

func TestValidateRejectsIncludeOutsidePointsWithAggregates(t *testing.T) {
	queries := []types.UserQuery{
		{
			Start:                ptr(int64(0)),
			End:                  ptr(int64(1000)),
			Aggregates:           []string{"average"},
			Granularity:          "1h",
			IncludeOutsidePoints: true,
			IDs:                  []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}},
		},
	}
	if _, err := Validate(queries); err == nil {
		t.Fatal("expected error for includeOutsidePoints with aggregates")
	}
}

func TestValidateRejectsNegativeLimit(t *testing.T) {
	queries := []types.UserQuery{
		{
			Start: ptr(int64(0)),
			End:   ptr(int64(1000)),
			Limit: ptr(-1),
			IDs:   []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}},
		},
	}
	if _, err := Validate(queries); err == nil {
		t.Fatal("expected error for negative limit")
	}
}

func TestValidateZeroLimitAllowed(t *testing.T) {
	queries := []types.UserQuery{
		{
			Start: ptr(int64(0)),
			End:   ptr(int64(1000)),
			Limit: ptr(0),
			IDs:   []types.IdentifierQuery{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}},
		},
	}
	expanded, err := Validate(queries)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if *expanded.All[0].CappedLimit != 0 {
		t.Errorf("CappedLimit = %d, want 0", *expanded.All[0].CappedLimit)
	}
}

func TestValidatePerIdentifierOverrideTakesPrecedence(t *testing.T) {
	queries := []types.UserQuery{
		{
			Start: ptr(int64(0)),
			End:   ptr(int64(1000)),
			Limit: ptr(100),
			IDs: []types.IdentifierQuery{
				{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}, Limit: ptr(5)},
				{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 2}},
			},
		},
	}
	expanded, err := Validate(queries)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if *expanded.All[0].CappedLimit != 5 {
		t.Errorf("All[0].CappedLimit = %d, want 5 (override)", *expanded.All[0].CappedLimit)
	}
	if *expanded.All[1].CappedLimit != 100 {
		t.Errorf("All[1].CappedLimit = %d, want 100 (inherited)", *expanded.All[1].CappedLimit)
	}
}

func TestValidatePartitionsRawAndAggregate(t *testing.T) {
	queries := []types.UserQuery{
		{
			Start: ptr(int64(0)),
			End:   ptr(int64(1000)),
			IDs: []types.IdentifierQuery{
				{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}},
				{
					Identifier:  types.Identifier{Kind: types.IdentifierID, ID: 2},
					Aggregates:  []string{"average"},
					Granularity: "1h",
				},
			},
		},
	}
	expanded, err := Validate(queries)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(expanded.RawOnly) != 1 || len(expanded.AggregateOnly) != 1 {
		t.Fatalf("got %d raw, %d aggregate; want 1 and 1", len(expanded.RawOnly), len(expanded.AggregateOnly))
	}
	if !expanded.RawOnly[0].IsRawQuery {
		t.Error("RawOnly[0].IsRawQuery = false, want true")
	}
	if expanded.AggregateOnly[0].IsRawQuery {
		t.Error("AggregateOnly[0].IsRawQuery = true, want false")
	}
}

package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fluxseries/dpsfetch/internal/config"
	"github.com/fluxseries/dpsfetch/internal/types"
)

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Transport.BaseURL = url
	return New(&cfg.Transport, slog.Default())
}

func TestFetchBatchRoundTripsRawDatapoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req wireRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.Items) != 1 || req.Items[0].ID != 1 {
			t.Errorf("unexpected request body: %+v", req)
		}
		v := 42.5
		json.NewEncoder(w).Encode(wireResponse{Items: []wireResponseItem{
			{ID: 1, Datapoints: []wireDatapoint{{Timestamp: 1000, Value: &v}}},
		}})
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	items := []types.RequestItem{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}, Start: 0, End: 2000, Limit: 100}}
	resp, err := client.FetchBatch(context.Background(), items, false)
	if err != nil {
		t.Fatalf("FetchBatch() error = %v", err)
	}
	if len(resp) != 1 || len(resp[0].Raw) != 1 || resp[0].Raw[0].Value != 42.5 {
		t.Fatalf("resp = %+v, want one item with one datapoint of value 42.5", resp)
	}
}

func TestFetchBatchSendsBearerToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(wireResponse{})
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.Transport.BaseURL = srv.URL
	cfg.Transport.Token = "secret-token"
	client := New(&cfg.Transport, slog.Default())

	_, err := client.FetchBatch(context.Background(), []types.RequestItem{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}}, false)
	if err != nil {
		t.Fatalf("FetchBatch() error = %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("Authorization header = %q, want %q", gotAuth, "Bearer secret-token")
	}
}

func TestFetchBatch400WithMissingIDsReturnsMissingIDsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"code":    400,
				"message": "not found",
				"missing": []map[string]any{{"id": 7}, {"externalId": "abc"}},
			},
		})
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	_, err := client.FetchBatch(context.Background(), []types.RequestItem{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 7}}}, true)

	missing, ok := err.(*MissingIDsError)
	if !ok {
		t.Fatalf("err = %v (%T), want *MissingIDsError", err, err)
	}
	if len(missing.Missing) != 2 {
		t.Fatalf("len(Missing) = %d, want 2", len(missing.Missing))
	}
	if missing.Missing[0].ID != 7 || missing.Missing[1].ExternalID != "abc" {
		t.Errorf("Missing = %+v", missing.Missing)
	}
}

func TestFetchBatch400WithoutMissingIsAFatalNonRetryableFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request body", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	_, err := client.FetchBatch(context.Background(), []types.RequestItem{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}}, false)

	fe, ok := err.(*types.FetchError)
	if !ok {
		t.Fatalf("err = %v (%T), want *types.FetchError", err, err)
	}
	if fe.IsRetryable() {
		t.Error("a plain 400 should not be retryable")
	}
	if fe.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", fe.StatusCode)
	}
}

func TestFetchBatch500IsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	_, err := client.FetchBatch(context.Background(), []types.RequestItem{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}}, false)

	fe, ok := err.(*types.FetchError)
	if !ok {
		t.Fatalf("err = %v (%T), want *types.FetchError", err, err)
	}
	if !fe.IsRetryable() {
		t.Error("a 500 should be retryable")
	}
}

func TestFetchBatch429ParsesRetryAfterSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	_, err := client.FetchBatch(context.Background(), []types.RequestItem{{Identifier: types.Identifier{Kind: types.IdentifierID, ID: 1}}}, false)

	fe, ok := err.(*types.FetchError)
	if !ok {
		t.Fatalf("err = %v (%T), want *types.FetchError", err, err)
	}
	if !fe.IsRetryable() {
		t.Error("a 429 should always be retryable")
	}
	if fe.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s", fe.RetryAfter)
	}
}

func TestFetchBatchAggregateDatapointsPreserveValueOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		avg, mx := 1.5, 9.0
		json.NewEncoder(w).Encode(wireResponse{Items: []wireResponseItem{
			{ID: 1, Datapoints: []wireDatapoint{{Timestamp: 0, Average: &avg, Max: &mx}}},
		}})
	}))
	defer srv.Close()

	client := newClient(t, srv.URL)
	items := []types.RequestItem{{
		Identifier:  types.Identifier{Kind: types.IdentifierID, ID: 1},
		Aggregates:  []string{"average", "max"},
		Granularity: "1h",
	}}
	resp, err := client.FetchBatch(context.Background(), items, false)
	if err != nil {
		t.Fatalf("FetchBatch() error = %v", err)
	}
	if len(resp[0].Aggregates) != 1 || len(resp[0].Aggregates[0].Values) != 2 {
		t.Fatalf("resp[0].Aggregates = %+v", resp[0].Aggregates)
	}
	if resp[0].Aggregates[0].Values[0] != 1.5 || resp[0].Aggregates[0].Values[1] != 9.0 {
		t.Errorf("Values = %v, want [1.5, 9.0] (average before max)", resp[0].Aggregates[0].Values)
	}
}

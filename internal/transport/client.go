// Package transport implements the HTTP client for the remote
// /timeseries/data/list endpoint: the only network interface the engine
// consumes. Error typing follows the teacher's HTTP fetcher idiom (custom
// transport, Retry-After parsing, retryable-error classification); each
// FetchBatch call makes a single attempt and does not itself retry or back
// off. The scraping-specific concerns (cookie jars, brotli
// decoding, proxy rotation, User-Agent rotation) have no analog for a
// JSON API client and are dropped.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/fluxseries/dpsfetch/internal/config"
	"github.com/fluxseries/dpsfetch/internal/types"
)

// wireRequest is the JSON shape POSTed to /timeseries/data/list.
type wireRequest struct {
	IgnoreUnknownIDs bool        `json:"ignoreUnknownIds"`
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

// Client POSTs batches to the remote /timeseries/data/list endpoint.
type Client struct {
	http    *http.Client
	baseURL string
	token   string
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New builds a Client from a resolved TransportConfig.
func New(cfg *config.TransportConfig, logger *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConns / 2,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		http:    &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		logger:  logger.With("component", "transport"),
	}
	if cfg.RateLimitRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	return c
}

// FetchBatch POSTs one batch of request items and returns the parsed
// response items, or a *types.FetchError.
func (c *Client) FetchBatch(ctx context.Context, items []types.RequestItem, ignoreUnknownIDs bool) ([]types.ResponseItem, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(toWireRequest(items, ignoreUnknownIDs))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/timeseries/data/list"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &types.FetchError{Err: err, Retryable: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		return nil, &types.FetchError{Err: err, Retryable: isRetryableError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &types.FetchError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("HTTP 429: rate limited: %s", strings.TrimSpace(string(msg))),
			Retryable:  true,
			RetryAfter: retryAfter,
		}
	}
	if resp.StatusCode == http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if missing := parseMissingIDs(msg); len(missing) > 0 {
			return nil, &MissingIDsError{Missing: missing}
		}
		return nil, &types.FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("HTTP 400: %s", string(msg)), Retryable: false}
	}
	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &types.FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(msg)), Retryable: true}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &types.FetchError{StatusCode: resp.StatusCode, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(msg)), Retryable: false}
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &types.FetchError{Err: fmt.Errorf("decode response: %w", err), Retryable: false}
	}

	c.logger.Debug("batch complete", "items", len(items), "duration", duration)
	return fromWireResponse(wire, items), nil
}

// MissingIDsError signals a hard "not found". FetchBatch returns one for a
// 400 that names unknown identifiers; the chunking discovery phase returns
// one listing every untolerated unknown identifier of its discovery batches.
type MissingIDsError struct {
	Missing []types.Identifier
}

func (e *MissingIDsError) Error() string {
	return fmt.Sprintf("%d identifier(s) not found", len(e.Missing))
}

func toWireRequest(items []types.RequestItem, ignoreUnknownIDs bool) wireRequest {
	wr := wireRequest{IgnoreUnknownIDs: ignoreUnknownIDs, Items: make([]wireItem, len(items))}
	for i, it := range items {
		wi := wireItem{
			Start:                it.Start,
			End:                  it.End,
			Aggregates:           it.Aggregates,
			Granularity:          it.Granularity,
			Limit:                it.Limit,
			IncludeOutsidePoints: it.IncludeOutsidePoints,
		}
		if it.Identifier.Kind == types.IdentifierExternalID {
			wi.ExternalID = it.Identifier.ExternalID
		} else {
			wi.ID = it.Identifier.ID
		}
		wr.Items[i] = wi
	}
	return wr
}

func fromWireResponse(wire wireResponse, req []types.RequestItem) []types.ResponseItem {
	out := make([]types.ResponseItem, len(wire.Items))
	for i, wi := range wire.Items {
		ri := types.ResponseItem{ID: wi.ID, ExternalID: wi.ExternalID, IsString: wi.IsString, IsStep: wi.IsStep}
		var aggNames []string
		for _, r := range req {
			if ri.Matches(r.Identifier) {
				aggNames = r.Aggregates
				break
			}
		}
		if len(aggNames) > 0 {
			ri.Aggregates = make([]types.AggregateDatapoint, 0, len(wi.Datapoints))
			for _, dp := range wi.Datapoints {
				ri.Aggregates = append(ri.Aggregates, types.AggregateDatapoint{
					Timestamp: dp.Timestamp,
					Values:    aggregateValues(dp, aggNames),
				})
			}
		} else {
			ri.Raw = make([]types.Datapoint, 0, len(wi.Datapoints))
			for _, dp := range wi.Datapoints {
				v := 0.0
				if dp.Value != nil {
					v = *dp.Value
				}
				ri.Raw = append(ri.Raw, types.Datapoint{Timestamp: dp.Timestamp, Value: v})
			}
		}
		out[i] = ri
	}
	return out
}

func aggregateValues(dp wireDatapoint, names []string) []float64 {
	byName := map[string]*float64{"average": dp.Average, "max": dp.Max, "min": dp.Min, "count": dp.Count, "sum": dp.Sum}
	var vals []float64
	for _, name := range names {
		if v := byName[name]; v != nil {
			vals = append(vals, *v)
		}
	}
	return vals
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.Is(opErr.Err, syscall.ECONNRESET) || errors.Is(opErr.Err, syscall.ECONNREFUSED) {
			return true
		}
	}
	return false
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		if secs > 120 {
			secs = 120
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > 2*time.Minute {
			return 2 * time.Minute
		}
		return d
	}
	return 5 * time.Second
}

// parseMissingIDs extracts the missing identifiers from a 400 error body
// shaped as {"error": {"code": 400, "message": "...", "missing": [{"id":..}]}}.
func parseMissingIDs(body []byte) []types.Identifier {
	var payload struct {
		Error struct {
			Missing []struct {
				ID         int64  `json:"id"`
				ExternalID string `json:"externalId"`
			} `json:"missing"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	out := make([]types.Identifier, 0, len(payload.Error.Missing))
	for _, m := range payload.Error.Missing {
		if m.ExternalID != "" {
			out = append(out, types.Identifier{Kind: types.IdentifierExternalID, ExternalID: m.ExternalID})
		} else {
			out = append(out, types.Identifier{Kind: types.IdentifierID, ID: m.ID})
		}
	}
	return out
}

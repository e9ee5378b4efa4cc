// Package dpsfetch provides a public SDK for embedding the datapoints fetch
// engine as a library.
//
// Example usage:
//
//	client := dpsfetch.NewClient(
//	    dpsfetch.WithBaseURL("https://api.example.com"),
//	    dpsfetch.WithToken(os.Getenv("DPSFETCH_TOKEN")),
//	    dpsfetch.WithMaxWorkers(8),
//	)
//
//	results, err := client.Retrieve(ctx, dpsfetch.Query{
//	    IDs: []dpsfetch.IdentifierQuery{
//	        {Identifier: dpsfetch.Identifier{ID: 123}},
//	        {Identifier: dpsfetch.Identifier{ID: 456}},
//	    },
//	    Start: dpsfetch.Millis(start),
//	    End:   dpsfetch.Millis(end),
//	})
package dpsfetch

import (
	"context"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fluxseries/dpsfetch/internal/config"
	"github.com/fluxseries/dpsfetch/internal/fetch"
	"github.com/fluxseries/dpsfetch/internal/metrics"
	"github.com/fluxseries/dpsfetch/internal/transport"
	"github.com/fluxseries/dpsfetch/internal/types"
)

// Re-exported so callers never need to import internal/types directly.
type (
	Identifier         = types.Identifier
	IdentifierQuery    = types.IdentifierQuery
	UserQuery          = types.UserQuery
	SeriesResult       = types.SeriesResult
	Datapoint          = types.Datapoint
	AggregateDatapoint = types.AggregateDatapoint
)

// Query is an alias of UserQuery kept for SDK call-site brevity.
type Query = UserQuery

// Client is the high-level API for using the fetch engine as a library.
type Client struct {
	cfg       *config.Config
	transport fetch.Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Client.
type Option func(*config.Config)

// WithBaseURL sets the remote API's base URL.
func WithBaseURL(url string) Option {
	return func(c *config.Config) { c.Transport.BaseURL = url }
}

// WithToken sets the bearer token used on every request.
func WithToken(token string) Option {
	return func(c *config.Config) { c.Transport.Token = token }
}

// WithMaxWorkers sets the fetch engine's worker budget.
func WithMaxWorkers(n int) Option {
	return func(c *config.Config) { c.Engine.MaxWorkers = n }
}

// WithIgnoreUnknownIDs sets the engine-wide flag for tolerating missing
// identifiers. A missing identifier is tolerated when either this flag or
// the query's own IgnoreUnknownIDs is set; a query cannot turn tolerance
// off once this flag is on.
func WithIgnoreUnknownIDs(ignore bool) Option {
	return func(c *config.Config) { c.Engine.IgnoreUnknownIDs = ignore }
}

// WithRateLimit attaches a client-side requests-per-second limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *config.Config) {
		c.Transport.RateLimitRPS = rps
		c.Transport.RateLimitBurst = burst
	}
}

// WithVerbose enables debug-level logging.
func WithVerbose() Option {
	return func(c *config.Config) { c.Logging.Level = "debug" }
}

// NewClient creates a Client from the given options, applied over
// config.DefaultConfig().
func NewClient(opts ...Option) *Client {
	cfg := config.DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	level := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		var reg *prometheus.Registry
		m, reg = metrics.New()
		if err := metrics.Serve(reg, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	return &Client{
		cfg:       cfg,
		transport: transport.New(&cfg.Transport, logger),
		logger:    logger,
		metrics:   m,
	}
}

// Retrieve validates, expands, and fetches a batch of user queries,
// returning ordered per-series results.
//
// When exactly one identifier was requested across the whole batch (one
// UserQuery naming exactly one id/externalId, mirroring the original
// client's single-identifier return-type narrowing), Retrieve still returns
// a one-element slice — callers that want the narrowed single-result
// convenience should use RetrieveOne.
func (c *Client) Retrieve(ctx context.Context, queries ...Query) ([]SeriesResult, error) {
	return fetch.FetchAll(ctx, c.transport, queries, c.cfg.Engine, c.metrics)
}

// RetrieveOne fetches a single identifier and returns its result directly,
// mirroring the original client's is_single_identifier unwrap: callers
// asking for exactly one series don't have to unwrap a one-element slice.
func (c *Client) RetrieveOne(ctx context.Context, q Query) (*SeriesResult, error) {
	results, err := c.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	return &results[0], nil
}

// Millis converts a count of milliseconds into the *int64 UserQuery.Start /
// UserQuery.End fields expect; a thin convenience so callers don't sprinkle
// address-of-literal boilerplate.
func Millis(ms int64) *int64 { return &ms }

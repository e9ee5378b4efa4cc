package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fluxseries/dpsfetch/internal/types"
	"github.com/fluxseries/dpsfetch/pkg/dpsfetch"
)

var (
	queryFiles      []string
	queryBaseURL    string
	queryToken      string
	queryMaxWorkers int
)

// fileQuery is the JSON shape one entry of a --file batch takes; it maps
// directly onto types.UserQuery without exposing internal package types on
// the wire.
type fileQuery struct {
	IDs                  []int64  `json:"ids,omitempty"`
	ExternalIDs          []string `json:"externalIds,omitempty"`
	Start                *int64   `json:"start,omitempty"`
	End                  *int64   `json:"end,omitempty"`
	Aggregates           []string `json:"aggregates,omitempty"`
	Granularity          string   `json:"granularity,omitempty"`
	Limit                *int     `json:"limit,omitempty"`
	IncludeOutsidePoints bool     `json:"includeOutsidePoints,omitempty"`
	IgnoreUnknownIDs     bool     `json:"ignoreUnknownIds,omitempty"`
}

func (f fileQuery) toUserQuery() types.UserQuery {
	uq := types.UserQuery{
		Start:                f.Start,
		End:                  f.End,
		Aggregates:           f.Aggregates,
		Granularity:          f.Granularity,
		Limit:                f.Limit,
		IncludeOutsidePoints: f.IncludeOutsidePoints,
		IgnoreUnknownIDs:     f.IgnoreUnknownIDs,
	}
	for _, id := range f.IDs {
		uq.IDs = append(uq.IDs, types.IdentifierQuery{Identifier: types.Identifier{Kind: types.IdentifierID, ID: id}})
	}
	for _, ext := range f.ExternalIDs {
		uq.ExternalIDs = append(uq.ExternalIDs, types.IdentifierQuery{Identifier: types.Identifier{Kind: types.IdentifierExternalID, ExternalID: ext}})
	}
	return uq
}

// queryCmd creates the "query" subcommand: one or more JSON batch files,
// each containing a list of fileQuery objects, dispatched concurrently —
// one engine call per file — via an errgroup.Group.
func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Fetch datapoints for one or more JSON query batch files",
		Long: `Each --file holds a JSON array of query objects (ids, externalIds,
start, end, aggregates, granularity, limit, includeOutsidePoints,
ignoreUnknownIds). Every file is fetched as its own FetchAll call; files run
concurrently against the remote endpoint.`,
		RunE: runQuery,
	}

	cmd.Flags().StringSliceVar(&queryFiles, "file", nil, "path to a JSON query batch file (repeatable)")
	cmd.Flags().StringVar(&queryBaseURL, "base-url", "", "remote API base URL (overrides config)")
	cmd.Flags().StringVar(&queryToken, "token", "", "bearer token (overrides config)")
	cmd.Flags().IntVar(&queryMaxWorkers, "max-workers", 0, "worker pool size (overrides config)")
	cmd.MarkFlagRequired("file")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadAndValidate(queryBaseURL, queryToken, queryMaxWorkers)
	if err != nil {
		return err
	}

	client := dpsfetch.NewClient(
		dpsfetch.WithBaseURL(cfg.Transport.BaseURL),
		dpsfetch.WithToken(cfg.Transport.Token),
		dpsfetch.WithMaxWorkers(cfg.Engine.MaxWorkers),
	)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	results := make([][]types.SeriesResult, len(queryFiles))
	g, gctx := errgroup.WithContext(ctx)
	for i, path := range queryFiles {
		i, path := i, path
		g.Go(func() error {
			queries, err := loadQueryFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			logger.Info("fetching batch", "file", path, "queries", len(queries))
			res, err := client.Retrieve(gctx, queries...)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}

func loadQueryFile(path string) ([]types.UserQuery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fqs []fileQuery
	if err := json.Unmarshal(data, &fqs); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	out := make([]types.UserQuery, len(fqs))
	for i, fq := range fqs {
		out[i] = fq.toUserQuery()
	}
	return out, nil
}

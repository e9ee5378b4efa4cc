// Command dpsfetch drives the concurrent datapoints fetch engine against a
// remote /timeseries/data/list endpoint.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/fluxseries/dpsfetch/internal/config"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dpsfetch",
		Short: "dpsfetch — concurrent datapoints fetch engine",
		Long: `dpsfetch drives a priority-aware worker pool against a remote
/timeseries/data/list endpoint, choosing between an Eager and a Chunking
fetch strategy depending on fan-out vs. worker budget.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(retrieveCmd())
	rootCmd.AddCommand(queryCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dpsfetch %s\n", config.Version)
		},
	}
}

// configCmd creates the "config" subcommand for inspecting configuration.
func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			fmt.Printf("Engine:\n")
			fmt.Printf("  MaxWorkers:       %d\n", cfg.Engine.MaxWorkers)
			fmt.Printf("  IgnoreUnknownIDs: %v\n", cfg.Engine.IgnoreUnknownIDs)
			fmt.Printf("\nTransport:\n")
			fmt.Printf("  BaseURL:         %s\n", cfg.Transport.BaseURL)
			fmt.Printf("  RequestTimeout:  %s\n", cfg.Transport.RequestTimeout)
			fmt.Printf("  MaxIdleConns:    %d\n", cfg.Transport.MaxIdleConns)
			fmt.Printf("  RateLimitRPS:    %g\n", cfg.Transport.RateLimitRPS)
			fmt.Printf("\nLogging:\n")
			fmt.Printf("  Level:  %s\n", cfg.Logging.Level)
			fmt.Printf("  Format: %s\n", cfg.Logging.Format)
			fmt.Printf("\nMetrics:\n")
			fmt.Printf("  Enabled: %v\n", cfg.Metrics.Enabled)
			fmt.Printf("  Port:    %d\n", cfg.Metrics.Port)
			return nil
		},
	}
}

// setupLogger creates a structured logger honoring the -v flag.
func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// loadAndValidate loads config, applies the shared transport flag overrides,
// and validates before any network activity.
func loadAndValidate(baseURL, token string, maxWorkers int) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if baseURL != "" {
		cfg.Transport.BaseURL = baseURL
	}
	if token != "" {
		cfg.Transport.Token = token
	}
	if maxWorkers > 0 {
		cfg.Engine.MaxWorkers = maxWorkers
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

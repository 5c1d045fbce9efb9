package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/stocksim/league-engine/internal/config"
)

// rootCmd runs the server when invoked without a subcommand.
var rootCmd = &cobra.Command{
	Use:   "league-engine",
	Short: "Stock trading league server",
	Long: `league-engine runs time-boxed stock trading games: players join a game
with a starting balance, trade against live quotes and are ranked by
portfolio value when the game ends.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, WebSocket feed and settlement scheduler",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema from DATABASE_URL",
	RunE:  runMigrate,
}

var quoteCmd = &cobra.Command{
	Use:   "quote SYMBOL",
	Short: "Fetch the latest price of a symbol from the configured provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuote,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, quoteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the JSON logger as the
// process default.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "hedgerun"
	version = "v0.4.0"
)

func main() {
	loadEnv()
	setupLogging(os.Getenv("HEDGERUN_LOG_LEVEL"))

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Risk monitoring and hedge decision engine",
		Version: version,
		Long: `hedgerun watches the risk of open positions, decides when a hedge is due
and sends it through the execution gateway, coordinating hedges across
correlated assets. The same pipeline replays recorded history for backtests.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "config/hedgerun.yaml", "Path to the YAML configuration")
	rootCmd.PersistentFlags().String("log-level", "", "Override app.log_level (debug|info|warn|error)")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newBacktestCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", appName, version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// loadEnv reads .env.local then .env; variables already set win
func loadEnv() {
	for _, f := range []string{".env.local", ".env"} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "warning: %s: %v\n", f, err)
		}
	}
}

// setupLogging writes human-readable logs to a terminal and JSON lines
// otherwise
func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	setLevel(level)
}

func setLevel(level string) {
	if level == "" {
		return
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, keeping current")
		return
	}
	zerolog.SetGlobalLevel(lvl)
}

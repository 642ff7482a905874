package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/hedgerun/internal/backtest"
)

func newBacktestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay recorded position history through the hedging pipeline",
		Long: `Replays a CSV of position snapshots frame by frame against a simulated
venue and writes the event trace, per-frame results, a JSON summary and a
markdown report. Identical input always yields the same trace digest.`,
		RunE: runBacktest,
	}
	cmd.Flags().StringP("input", "i", "", "Position history CSV (required)")
	cmd.Flags().StringP("output", "o", "", "Output directory (default backtest.output_dir/<timestamp>)")
	cmd.Flags().Float64("slippage-bps", -1, "Override backtest.slippage_bps")
	cmd.Flags().Float64("fee-bps", -1, "Override backtest.fee_bps")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// runBacktest executes one deterministic replay
func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	input, _ := cmd.Flags().GetString("input")
	outputDir, _ := cmd.Flags().GetString("output")
	if v, _ := cmd.Flags().GetFloat64("slippage-bps"); v >= 0 {
		cfg.Backtest.SlippageBps = v
	}
	if v, _ := cmd.Flags().GetFloat64("fee-bps"); v >= 0 {
		cfg.Backtest.FeeBps = v
	}
	if outputDir == "" {
		outputDir = filepath.Join(cfg.Backtest.OutputDir, time.Now().UTC().Format("20060102_150405"))
	}
	absOutputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return fmt.Errorf("failed to resolve output directory: %w", err)
	}

	frames, err := backtest.LoadFile(input)
	if err != nil {
		return err
	}
	log.Info().Str("input", input).Int("frames", len(frames)).Str("output_dir", absOutputDir).
		Float64("slippage_bps", cfg.Backtest.SlippageBps).Float64("fee_bps", cfg.Backtest.FeeBps).
		Msg("Starting backtest")

	res, err := backtest.NewRunner(*cfg).Run(cmd.Context(), frames)
	if err != nil {
		return fmt.Errorf("backtest failed: %w", err)
	}
	w := backtest.NewWriter(absOutputDir)
	if err := w.Write(res); err != nil {
		return err
	}

	s := res.Summary
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backtest complete: %d frames, %d assets\n", s.Frames, len(s.Assets))
	fmt.Fprintf(out, "  proposed %d  vetoed %d  dispatched %d  filled %d  partial %d  failed %d\n",
		s.Proposed, s.Vetoed, s.Dispatched, s.Filled, s.Partial, s.Failed)
	fmt.Fprintf(out, "  fees %s  slippage %s\n", s.Ledger.Fees, s.Ledger.Slippage)
	fmt.Fprintf(out, "  digest %s\n", s.Digest)
	fmt.Fprintf(out, "  artifacts in %s\n", w.OutputDir())
	return nil
}

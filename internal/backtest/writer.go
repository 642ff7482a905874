package backtest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	atomicio "github.com/sawpanic/hedgerun/internal/io"
)

// Writer handles writing backtest artifacts to disk
type Writer struct {
	outputDir string
}

// NewWriter creates a writer targeting outputDir
func NewWriter(outputDir string) *Writer {
	return &Writer{outputDir: outputDir}
}

// OutputDir returns the artifact directory
func (w *Writer) OutputDir() string {
	return w.outputDir
}

// Write stores trace.jsonl, frames.jsonl, summary.json and report.md
func (w *Writer) Write(res *Result) error {
	if err := os.MkdirAll(w.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := atomicio.WriteLinesAtomic(filepath.Join(w.outputDir, "trace.jsonl"), res.Trace); err != nil {
		return fmt.Errorf("failed to write trace: %w", err)
	}
	if err := atomicio.WriteLinesAtomic(filepath.Join(w.outputDir, "frames.jsonl"), res.Frames); err != nil {
		return fmt.Errorf("failed to write frames: %w", err)
	}
	if err := atomicio.WriteJSONAtomic(filepath.Join(w.outputDir, "summary.json"), res.Summary); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	if err := atomicio.WriteFileAtomic(filepath.Join(w.outputDir, "report.md"), []byte(Report(res.Summary))); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// Report renders the summary as markdown
func Report(s Summary) string {
	var report strings.Builder

	report.WriteString("# Hedge Replay Report\n\n")
	report.WriteString(fmt.Sprintf("**Period**: %s to %s (%d frames)\n",
		s.Start.Format("2006-01-02 15:04"), s.End.Format("2006-01-02 15:04"), s.Frames))
	report.WriteString(fmt.Sprintf("**Assets**: %s\n", strings.Join(s.Assets, ", ")))
	report.WriteString(fmt.Sprintf("**Digest**: `%s`\n\n", s.Digest))

	report.WriteString("## Decisions\n\n")
	report.WriteString("| Metric | Count |\n")
	report.WriteString("|--------|------:|\n")
	rows := []struct {
		name  string
		value int
	}{
		{"Evaluations", s.Evaluations},
		{"Proposed", s.Proposed},
		{"Scaled by correlation", s.Scaled},
		{"Vetoed", s.Vetoed},
		{"Crossed internally", s.Crossed},
		{"Dispatched", s.Dispatched},
		{"Filled", s.Filled},
		{"Partial", s.Partial},
		{"Failed", s.Failed},
		{"Frames with stale correlation", s.StaleFrames},
		{"Events", s.Events},
	}
	for _, r := range rows {
		report.WriteString(fmt.Sprintf("| %s | %d |\n", r.name, r.value))
	}
	report.WriteString("\n")

	if len(s.Skipped) > 0 {
		report.WriteString("## Skipped Evaluations\n\n")
		reasons := make([]string, 0, len(s.Skipped))
		for reason := range s.Skipped {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			report.WriteString(fmt.Sprintf("- %s: %d\n", reason, s.Skipped[reason]))
		}
		report.WriteString("\n")
	}

	report.WriteString("## Execution Costs\n\n")
	report.WriteString(fmt.Sprintf("- **Trades**: %d\n", s.Ledger.Trades))
	report.WriteString(fmt.Sprintf("- **Volume**: %s\n", s.Ledger.Volume))
	report.WriteString(fmt.Sprintf("- **Notional**: %s\n", s.Ledger.Notional))
	report.WriteString(fmt.Sprintf("- **Fees**: %s\n", s.Ledger.Fees))
	report.WriteString(fmt.Sprintf("- **Slippage**: %s\n\n", s.Ledger.Slippage))

	report.WriteString("## Final States\n\n")
	report.WriteString("| Asset | State | Accumulated Exposure | Last Hedge |\n")
	report.WriteString("|-------|-------|---------------------:|------------|\n")
	for _, st := range s.FinalStates {
		last := "-"
		if !st.LastHedgeTime.IsZero() {
			last = fmt.Sprintf("%.6g @ %s", st.LastHedgeSize, st.LastHedgeTime.Format("2006-01-02 15:04"))
		}
		report.WriteString(fmt.Sprintf("| %s | %s | %.6g | %s |\n", st.Asset, st.CurrentState, st.AccumulatedExposure, last))
	}
	return report.String()
}

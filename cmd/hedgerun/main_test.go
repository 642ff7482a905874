package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/monitor"
)

func testRoot(sub *cobra.Command) (*cobra.Command, *bytes.Buffer) {
	root := &cobra.Command{Use: appName, SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().StringP("config", "c", "", "")
	root.PersistentFlags().String("log-level", "", "")
	root.AddCommand(sub)
	var out bytes.Buffer
	root.SetOut(&out)
	return root, &out
}

func TestStatusCommand(t *testing.T) {
	statuses := []monitor.Status{
		{State: domain.HedgeState{Asset: "BTC-PERP", CurrentState: domain.StateCooldown,
			LastHedgeSize: -6, LastHedgeTime: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), AccumulatedExposure: -6},
			Risk: &domain.RiskVector{Asset: "BTC-PERP", Delta: 4, ValueAtRisk: 1234.5}},
		{State: domain.HedgeState{Asset: "ETH-PERP", CurrentState: domain.StateIdle}, Stopping: true},
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/assets":
			_ = json.NewEncoder(w).Encode(statuses)
		case "/v1/assets/BTC-PERP":
			_ = json.NewEncoder(w).Encode(statuses[0])
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"asset not monitored"}`))
		}
	}))
	defer srv.Close()

	root, out := testRoot(newStatusCmd())
	root.SetArgs([]string{"status", "--addr", srv.URL})
	require.NoError(t, root.Execute())
	text := out.String()
	assert.Contains(t, text, "ASSET")
	assert.Contains(t, text, "BTC-PERP")
	assert.Contains(t, text, "1234.50")
	assert.Contains(t, text, "IDLE (stopping)")

	root, out = testRoot(newStatusCmd())
	root.SetArgs([]string{"status", "BTC-PERP", "--addr", srv.URL, "--json"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"BTC-PERP"`)

	root, _ = testRoot(newStatusCmd())
	root.SetArgs([]string{"status", "DOGE", "--addr", srv.URL})
	assert.ErrorContains(t, root.Execute(), "asset not monitored")
}

func TestBacktestCommand(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "hedgerun.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
thresholds:
  - asset: BTC-PERP
    metric: delta
    max_abs_value: 5
    cooldown: 3m
persistence:
  backend: none
backtest:
  slippage_bps: 10
  fee_bps: 5
`), 0644))
	input := filepath.Join(dir, "history.csv")
	rows := []string{"timestamp,asset,instrument,instrument_type,quantity,mark_price,realized_vol"}
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rows = append(rows, start.Add(time.Duration(i)*time.Minute).Format(time.RFC3339)+",BTC-PERP,BTC-PERP,perp,10,100,0.5")
	}
	require.NoError(t, os.WriteFile(input, []byte(strings.Join(rows, "\n")+"\n"), 0644))
	outDir := filepath.Join(dir, "out")

	root, out := testRoot(newBacktestCmd())
	root.SetArgs([]string{"backtest", "-c", cfgPath, "-i", input, "-o", outDir})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Backtest complete: 3 frames, 1 assets")
	assert.Contains(t, out.String(), "dispatched 1")
	assert.Contains(t, out.String(), "fees 0.2997")

	for _, f := range []string{"trace.jsonl", "frames.jsonl", "summary.json", "report.md"} {
		_, err := os.Stat(filepath.Join(outDir, f))
		assert.NoError(t, err, f)
	}
}

func TestBacktestCommandRequiresInput(t *testing.T) {
	root, _ := testRoot(newBacktestCmd())
	root.SetArgs([]string{"backtest"})
	assert.Error(t, root.Execute())
}

package backtest

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/hedgerun/internal/config"
	"github.com/sawpanic/hedgerun/internal/domain"
)

const history = `timestamp,asset,instrument,instrument_type,quantity,mark_price,underlying_price,strike,expiry,implied_vol,option_kind,realized_vol
2024-03-01T00:00:00Z,BTC-PERP,BTC-PERP,perp,10,100,100,,,,,0.5
2024-03-01T00:00:00Z,ETH-PERP,ETH-PERP,perp,1,10,10,,,,,0.5
2024-03-01T00:01:00Z,ETH-PERP,ETH-PERP,perp,1,10,10,,,,,0.5
2024-03-01T00:01:00Z,BTC-PERP,BTC-PERP,perp,10,100,100,,,,,0.5
2024-03-01T00:02:00Z,BTC-PERP,BTC-PERP,perp,10,100,100,,,,,0.5
2024-03-01T00:02:00Z,ETH-PERP,ETH-PERP,perp,1,10,10,,,,,0.5
2024-03-01T00:03:00Z,BTC-PERP,BTC-PERP,perp,10,100,100,,,,,0.5
2024-03-01T00:04:00Z,BTC-PERP,BTC-PERP,perp,10,100,100,,,,,0.5
2024-03-01T00:04:00Z,ETH-PERP,ETH-PERP,perp,1,10,10,,,,,0.5
2024-03-01T00:04:00Z,BTC-CALL,BTC-30000-C,option,2,5,100,110,2024-06-01T00:00:00Z,0.6,call,
`

var start = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Thresholds = []domain.ThresholdConfig{
		{Asset: "BTC-PERP", Metric: domain.MetricDelta, MaxAbsValue: 5, CooldownPeriod: 3 * time.Minute},
	}
	cfg.Backtest.SlippageBps = 10
	cfg.Backtest.FeeBps = 5
	return *cfg
}

func TestLoad(t *testing.T) {
	frames, err := Load(strings.NewReader(history))
	require.NoError(t, err)
	require.Len(t, frames, 5)

	assert.Equal(t, start, frames[0].At)
	require.Len(t, frames[1].Observations, 2)
	assert.Equal(t, "BTC-PERP", frames[1].Observations[0].Snapshot.Asset, "rows sorted by asset")
	assert.Len(t, frames[3].Observations, 1)

	last := frames[4]
	require.Len(t, last.Observations, 3)
	opt := last.Observations[0]
	assert.Equal(t, "BTC-CALL", opt.Snapshot.Asset)
	require.NotNil(t, opt.Snapshot.Option)
	assert.Equal(t, domain.Call, opt.Snapshot.Option.Kind)
	assert.Equal(t, 110.0, opt.Snapshot.Option.Strike)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), opt.Snapshot.Option.Expiry)
	assert.Equal(t, 100.0, opt.Market.UnderlyingPrice)

	assert.Equal(t, []string{"BTC-CALL", "BTC-PERP", "ETH-PERP"}, Assets(frames))
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		csv  string
		want string
	}{
		{"missing column", "timestamp,asset\n2024-03-01T00:00:00Z,BTC\n", "missing column"},
		{"bad timestamp", "timestamp,asset,instrument,instrument_type,quantity,mark_price\nyesterday,BTC,BTC,perp,1,1\n", "timestamp"},
		{"bad quantity", "timestamp,asset,instrument,instrument_type,quantity,mark_price\n2024-03-01T00:00:00Z,BTC,BTC,perp,lots,1\n", "quantity"},
		{"duplicate row", "timestamp,asset,instrument,instrument_type,quantity,mark_price\n" +
			"2024-03-01T00:00:00Z,BTC,BTC,perp,1,1\n2024-03-01T00:00:00Z,BTC,BTC,perp,2,1\n", "duplicate"},
		{"empty", "", "header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.csv))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestRun(t *testing.T) {
	frames, err := Load(strings.NewReader(history))
	require.NoError(t, err)

	res, err := NewRunner(testConfig()).Run(context.Background(), frames)
	require.NoError(t, err)
	s := res.Summary

	assert.Equal(t, 5, s.Frames)
	assert.Equal(t, start, s.Start)
	assert.Equal(t, start.Add(4*time.Minute), s.End)
	assert.Equal(t, 1, s.Proposed)
	assert.Equal(t, 1, s.Dispatched)
	assert.Equal(t, 1, s.Filled)
	assert.Zero(t, s.Failed)
	assert.Equal(t, 5, s.Skipped["data_unavailable"], "ETH once, BTC-CALL until its first row")

	assert.Equal(t, 1, s.Ledger.Trades)
	assert.Equal(t, "6.00000000", s.Ledger.Volume)
	assert.Equal(t, "599.40", s.Ledger.Notional)
	assert.Equal(t, "0.2997", s.Ledger.Fees)
	assert.Equal(t, "0.6000", s.Ledger.Slippage)

	require.Len(t, s.FinalStates, 3)
	btc := s.FinalStates[1]
	assert.Equal(t, "BTC-PERP", btc.Asset)
	assert.InDelta(t, -6, btc.AccumulatedExposure, 1e-9)
	assert.Equal(t, start, btc.LastHedgeTime)
	assert.NotEqual(t, domain.StateCooldown, btc.CurrentState)

	assert.Len(t, res.Frames, 5)
	assert.Equal(t, 1, res.Frames[0].Dispatched)
	assert.Equal(t, s.Events, len(res.Trace))
	assert.Len(t, s.Digest, 64)
}

func TestRunIsDeterministic(t *testing.T) {
	frames, err := Load(strings.NewReader(history))
	require.NoError(t, err)

	first, err := NewRunner(testConfig()).Run(context.Background(), frames)
	require.NoError(t, err)
	runner := NewRunner(testConfig())
	second, err := runner.Run(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, first.Summary.Digest, second.Summary.Digest)
	assert.Equal(t, first.Summary, second.Summary)

	again, err := runner.Run(context.Background(), frames)
	require.NoError(t, err)
	assert.Equal(t, first.Summary, again.Summary, "a runner can be reused")

	altered, err := Load(strings.NewReader(strings.Replace(history, "BTC-PERP,perp,10,100", "BTC-PERP,perp,12,100", 1)))
	require.NoError(t, err)
	other, err := NewRunner(testConfig()).Run(context.Background(), altered)
	require.NoError(t, err)
	assert.NotEqual(t, first.Summary.Digest, other.Summary.Digest)
}

func TestRunGammaHedgeDoesNotOversell(t *testing.T) {
	var rows strings.Builder
	rows.WriteString("timestamp,asset,instrument,instrument_type,quantity,mark_price,underlying_price,strike,expiry,implied_vol,option_kind,realized_vol\n")
	for i := 0; i < 5; i++ {
		at := start.Add(time.Duration(i) * 4 * time.Minute).Format(time.RFC3339)
		rows.WriteString(at + ",BTC-CALL,BTC-110-C,option,10,5,100,110,2024-06-01T00:00:00Z,0.6,call,0.5\n")
	}
	frames, err := Load(strings.NewReader(rows.String()))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Thresholds = []domain.ThresholdConfig{
		{Asset: "BTC-CALL", Metric: domain.MetricGamma, MaxAbsValue: 0.05, CooldownPeriod: 3 * time.Minute},
	}
	res, err := NewRunner(cfg).Run(context.Background(), frames)
	require.NoError(t, err)
	s := res.Summary

	assert.Equal(t, 1, s.Proposed, "the filled hedge is netted on later frames")
	assert.Equal(t, 1, s.Filled)
	require.Len(t, s.FinalStates, 1)
	st := s.FinalStates[0]
	assert.Equal(t, "BTC-110-C", st.LastHedgeInstrument)
	pos := st.Positions["BTC-110-C"].Quantity
	assert.InDelta(t, -6.95, pos, 0.05)
	assert.InDelta(t, pos, st.LastHedgeSize, 1e-9)
	assert.Zero(t, st.AccumulatedExposure)
}

func TestRunRejectsEmptyInput(t *testing.T) {
	_, err := NewRunner(testConfig()).Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestWriter(t *testing.T) {
	frames, err := Load(strings.NewReader(history))
	require.NoError(t, err)
	res, err := NewRunner(testConfig()).Run(context.Background(), frames)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "replay")
	w := NewWriter(dir)
	require.NoError(t, w.Write(res))
	assert.Equal(t, dir, w.OutputDir())

	f, err := os.Open(filepath.Join(dir, "trace.jsonl"))
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines++
	}
	require.NoError(t, sc.Err())
	assert.Equal(t, len(res.Trace), lines)

	data, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	require.NoError(t, err)
	var s Summary
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Equal(t, res.Summary.Digest, s.Digest)

	report, err := os.ReadFile(filepath.Join(dir, "report.md"))
	require.NoError(t, err)
	assert.Contains(t, string(report), res.Summary.Digest)
	assert.Contains(t, string(report), "| BTC-PERP |")
}

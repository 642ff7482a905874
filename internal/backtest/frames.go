package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	stdio "io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/feed"
	"github.com/sawpanic/hedgerun/internal/risk"
)

// Columns of the position history file. Option columns may be empty for
// linear instruments; realized_vol may be empty when returns are used.
var Columns = []string{
	"timestamp", "asset", "instrument", "instrument_type", "quantity", "mark_price",
	"underlying_price", "strike", "expiry", "implied_vol", "option_kind", "realized_vol",
}

var required = []string{"timestamp", "asset", "instrument", "instrument_type", "quantity", "mark_price"}

// LoadFile reads frames from a CSV file
func LoadFile(path string) ([]Frame, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open position history: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load parses position history rows and groups them into frames ordered by
// timestamp, rows ordered by asset
func Load(r stdio.Reader) ([]Frame, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range required {
		if _, ok := index[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	byTime := make(map[time.Time]map[string]feed.Observation)
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, stdio.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		obs, err := parseRow(rec, index)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		at := obs.Snapshot.Timestamp
		rows, ok := byTime[at]
		if !ok {
			rows = make(map[string]feed.Observation)
			byTime[at] = rows
		}
		if _, dup := rows[obs.Snapshot.Asset]; dup {
			return nil, fmt.Errorf("line %d: duplicate row for %s at %s", line, obs.Snapshot.Asset, at.Format(time.RFC3339))
		}
		rows[obs.Snapshot.Asset] = obs
	}

	frames := make([]Frame, 0, len(byTime))
	for at, rows := range byTime {
		fr := Frame{At: at, Observations: make([]feed.Observation, 0, len(rows))}
		for _, o := range rows {
			fr.Observations = append(fr.Observations, o)
		}
		sort.Slice(fr.Observations, func(i, j int) bool {
			return fr.Observations[i].Snapshot.Asset < fr.Observations[j].Snapshot.Asset
		})
		frames = append(frames, fr)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].At.Before(frames[j].At) })
	return frames, nil
}

func parseRow(rec []string, index map[string]int) (feed.Observation, error) {
	get := func(col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}
	num := func(col string) (float64, error) {
		s := get(col)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", col, err)
		}
		return v, nil
	}

	var obs feed.Observation
	at, err := time.Parse(time.RFC3339, get("timestamp"))
	if err != nil {
		return obs, fmt.Errorf("timestamp: %w", err)
	}
	at = at.UTC()
	asset := get("asset")
	if asset == "" {
		return obs, errors.New("asset is required")
	}

	snap := domain.PositionSnapshot{
		Asset:          asset,
		Instrument:     get("instrument"),
		InstrumentType: domain.InstrumentType(strings.ToLower(get("instrument_type"))),
		Timestamp:      at,
	}
	if snap.Instrument == "" {
		snap.Instrument = asset
	}
	if snap.Quantity, err = num("quantity"); err != nil {
		return obs, err
	}
	if snap.MarkPrice, err = num("mark_price"); err != nil {
		return obs, err
	}

	market := risk.MarketContext{Asset: asset, Timestamp: at}
	if market.UnderlyingPrice, err = num("underlying_price"); err != nil {
		return obs, err
	}
	if market.RealizedVol, err = num("realized_vol"); err != nil {
		return obs, err
	}

	if snap.InstrumentType == domain.InstrumentOption {
		opt := &domain.OptionInputs{Kind: domain.OptionKind(strings.ToLower(get("option_kind")))}
		if opt.Strike, err = num("strike"); err != nil {
			return obs, err
		}
		if opt.ImpliedVol, err = num("implied_vol"); err != nil {
			return obs, err
		}
		if s := get("expiry"); s != "" {
			if opt.Expiry, err = time.Parse(time.RFC3339, s); err != nil {
				return obs, fmt.Errorf("expiry: %w", err)
			}
			opt.Expiry = opt.Expiry.UTC()
		}
		snap.Option = opt
	}

	obs.Snapshot, obs.Market = snap, market
	return obs, nil
}

// Assets lists every asset appearing in frames, sorted
func Assets(frames []Frame) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range frames {
		for _, o := range f.Observations {
			if !seen[o.Snapshot.Asset] {
				seen[o.Snapshot.Asset] = true
				out = append(out, o.Snapshot.Asset)
			}
		}
	}
	sort.Strings(out)
	return out
}

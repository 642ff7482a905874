package backtest

import (
	"time"

	"github.com/sawpanic/hedgerun/internal/domain"
	"github.com/sawpanic/hedgerun/internal/eventlog"
	"github.com/sawpanic/hedgerun/internal/feed"
	"github.com/sawpanic/hedgerun/internal/gateway/sim"
)

// Frame is every row sharing one timestamp
type Frame struct {
	At           time.Time
	Observations []feed.Observation
}

// FrameResult summarizes one replayed frame
type FrameResult struct {
	At         time.Time         `json:"at"`
	Evaluated  []string          `json:"evaluated"`
	Skipped    map[string]string `json:"skipped,omitempty"`
	Proposed   int               `json:"proposed"`
	Vetoed     int               `json:"vetoed"`
	Scaled     int               `json:"scaled"`
	Crossed    int               `json:"crossed"`
	Dispatched int               `json:"dispatched"`
	Filled     int               `json:"filled"`
	Partial    int               `json:"partial"`
	Failed     int               `json:"failed"`
	Stale      bool              `json:"stale_correlation,omitempty"`
}

// Summary aggregates a whole run. Two runs over the same input have the
// same Digest.
type Summary struct {
	Frames      int                 `json:"frames"`
	Start       time.Time           `json:"start"`
	End         time.Time           `json:"end"`
	Assets      []string            `json:"assets"`
	Evaluations int                 `json:"evaluations"`
	Skipped     map[string]int      `json:"skipped"`
	Proposed    int                 `json:"proposed"`
	Vetoed      int                 `json:"vetoed"`
	Scaled      int                 `json:"scaled"`
	Crossed     int                 `json:"crossed"`
	Dispatched  int                 `json:"dispatched"`
	Filled      int                 `json:"filled"`
	Partial     int                 `json:"partial"`
	Failed      int                 `json:"failed"`
	StaleFrames int                 `json:"stale_frames"`
	Events      int                 `json:"events"`
	Ledger      sim.LedgerSummary   `json:"ledger"`
	FinalStates []domain.HedgeState `json:"final_states"`
	Digest      string              `json:"digest"`
}

// Result is the output of one run
type Result struct {
	Summary Summary          `json:"summary"`
	Frames  []FrameResult    `json:"frames"`
	Trace   []eventlog.Event `json:"-"`
}

package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationMatrix_Symmetric(t *testing.T) {
	asOf := time.Date(2025, 9, 7, 10, 0, 0, 0, time.UTC)
	m := NewCorrelationMatrix(asOf, map[[2]string]float64{
		{"ETH", "BTC"}: 0.85,
		{"SOL", "BTC"}: 1.7,
	})

	v, ok := m.Get("BTC", "ETH")
	require.True(t, ok)
	assert.Equal(t, 0.85, v)

	v, ok = m.Get("ETH", "BTC")
	require.True(t, ok)
	assert.Equal(t, 0.85, v)

	v, _ = m.Get("BTC", "SOL")
	assert.Equal(t, 1.0, v, "coefficients are clamped to [-1, 1]")

	v, ok = m.Get("XRP", "XRP")
	assert.True(t, ok)
	assert.Equal(t, 1.0, v)

	_, ok = m.Get("BTC", "XRP")
	assert.False(t, ok)

	pairs := m.Pairs()
	require.Len(t, pairs, 2)
	assert.Equal(t, "BTC", pairs[0].A)
	assert.Equal(t, "ETH", pairs[0].B)
	assert.Equal(t, time.Hour, m.Age(asOf.Add(time.Hour)))
}

func TestErrorTaxonomy(t *testing.T) {
	execErr := NewExecutionError(KindTimeout, "okx", errors.New("deadline"))
	wrapped := fmt.Errorf("submit: %w", execErr)

	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.Equal(t, KindNone, KindOf(errors.New("plain")))
	assert.True(t, KindTimeout.Retryable())
	assert.False(t, KindRejected.Retryable())

	assert.True(t, IsCycleSkip(fmt.Errorf("cycle: %w", &DataUnavailableError{Asset: "BTC"})))
	assert.True(t, IsCycleSkip(&InvalidMarketDataError{Asset: "BTC", Field: "implied_vol", Reason: "must be positive"}))
	assert.False(t, IsCycleSkip(execErr))

	var stale *StaleCorrelationError
	assert.True(t, errors.As(fmt.Errorf("x: %w", &StaleCorrelationError{Age: time.Hour, MaxAge: time.Minute}), &stale))
	assert.Contains(t, stale.Error(), "stale")
}

func TestHedgeAction_LegsAndAssets(t *testing.T) {
	action := HedgeAction{ID: "a1", Asset: "BTC", Side: Sell, Quantity: 2}
	legs := action.LegsOrSelf()
	require.Len(t, legs, 1)
	assert.Equal(t, -2.0, legs[0].SignedQuantity())

	netted := HedgeAction{Asset: "BTC", Legs: []Leg{
		{ActionID: "b", Asset: "ETH", Side: Buy, Quantity: 1},
		{ActionID: "a", Asset: "BTC", Side: Sell, Quantity: 3},
	}}
	assert.Equal(t, []string{"BTC", "ETH"}, netted.Assets())
}

func TestHedgeState_Validate(t *testing.T) {
	now := time.Now()
	st := NewHedgeState("BTC", now)
	require.NoError(t, st.Validate())
	assert.Equal(t, StateIdle, st.CurrentState)

	st.CurrentState = "BROKEN"
	assert.Error(t, st.Validate())
	assert.Error(t, HedgeState{CurrentState: StateIdle}.Validate())
}

func TestParseHelpers(t *testing.T) {
	m, ok := ParseMetric(" Delta ")
	assert.True(t, ok)
	assert.Equal(t, MetricDelta, m)
	_, ok = ParseMetric("rho")
	assert.False(t, ok)

	s, ok := ParseSide("SELL")
	assert.True(t, ok)
	assert.Equal(t, Sell, s)
	assert.Equal(t, Buy, s.Opposite())
	assert.Equal(t, Sell, SideFor(-1))
}

func TestHedgePositionsSQLRoundTrip(t *testing.T) {
	expiry := time.Date(2024, 6, 28, 8, 0, 0, 0, time.UTC)
	p := HedgePositions{"BTC-60000-C": {Quantity: -6, Expiry: expiry}, "BTC-PERP": {Quantity: 1.5}}

	v, err := p.Value()
	require.NoError(t, err)
	var back HedgePositions
	require.NoError(t, back.Scan([]byte(v.(string))))
	assert.Equal(t, p, back)

	empty, err := HedgePositions(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)
	require.NoError(t, back.Scan("{}"))
	assert.Nil(t, back)
	require.NoError(t, back.Scan(nil))
	assert.Error(t, back.Scan(42))
}

func TestHedgeStateCloneSharesNoMap(t *testing.T) {
	st := NewHedgeState("BTC", time.Now())
	st.Positions = HedgePositions{"BTC-60000-C": {Quantity: -6}}
	c := st.Clone()
	c.Positions["BTC-60000-C"] = HedgePosition{Quantity: 1}
	assert.Equal(t, -6.0, st.Positions["BTC-60000-C"].Quantity)
}

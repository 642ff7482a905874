package alerts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/hedgerun/internal/eventlog"
)

var at = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func event(t *testing.T, seq uint64, asset string, typ eventlog.Type, payload any) eventlog.Event {
	t.Helper()
	ev, err := eventlog.New(asset, typ, payload, at)
	require.NoError(t, err)
	ev.Seq = seq
	return ev
}

func decodeAlerts(t *testing.T, buf *bytes.Buffer) []Alert {
	t.Helper()
	var out []Alert
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var a Alert
		require.NoError(t, json.Unmarshal(sc.Bytes(), &a))
		out = append(out, a)
	}
	return out
}

func TestHandleFiltersByPriority(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, "")
	ctx := context.Background()

	require.NoError(t, e.Handle(ctx, event(t, 1, "BTC-PERP", eventlog.ActionProposed, nil)))
	require.NoError(t, e.Handle(ctx, event(t, 2, "BTC-PERP", eventlog.HedgeFailed,
		map[string]any{"venue": "alpha", "error_kind": "Rejected", "error": "insufficient margin"})))
	require.NoError(t, e.Handle(ctx, event(t, 3, "ETH-PERP", eventlog.CycleSkipped, map[string]string{"reason": "data_unavailable"})))
	require.NoError(t, e.Handle(ctx, event(t, 4, "ETH-PERP", eventlog.ActionVetoed, map[string]any{"reason": "offset by BTC-PERP"})))
	require.NoError(t, e.Handle(ctx, event(t, 5, "", eventlog.CorrelationStale, map[string]string{"max_age": "15m0s"})))

	alerts := decodeAlerts(t, &buf)
	require.Len(t, alerts, 3)
	assert.Equal(t, uint64(2), alerts[0].Seq)
	assert.Equal(t, PriorityHigh, alerts[0].Priority)
	assert.Equal(t, "Hedge failed: Rejected on alpha", alerts[0].Message)
	assert.Equal(t, "Hedge vetoed: offset by BTC-PERP", alerts[1].Message)
	assert.Equal(t, "Correlation matrix older than 15m0s", alerts[2].Message)
	assert.Equal(t, map[Priority]int{PriorityHigh: 1, PriorityMedium: 2}, e.Counts())
}

func TestHandleLowPriority(t *testing.T) {
	var buf bytes.Buffer
	e := NewEmitter(&buf, PriorityLow)
	require.NoError(t, e.Handle(context.Background(), event(t, 9, "ETH-PERP", eventlog.CycleSkipped, map[string]string{"reason": "busy"})))
	alerts := decodeAlerts(t, &buf)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Cycle skipped: busy", alerts[0].Message)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestHandleReturnsWriteErrors(t *testing.T) {
	e := NewEmitter(failingWriter{}, PriorityHigh)
	err := e.Handle(context.Background(), event(t, 1, "BTC-PERP", eventlog.StateRecovered, nil))
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, e.Counts())
}

func TestConsumerDeliversAlerts(t *testing.T) {
	ctx := context.Background()
	l := eventlog.NewMemoryLog()
	for _, typ := range []eventlog.Type{eventlog.MonitorStarted, eventlog.HedgeFailed, eventlog.StateRecovered} {
		_, err := l.Append(ctx, event(t, 0, "BTC-PERP", typ, nil))
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	e := NewEmitter(&buf, PriorityHigh)
	c := eventlog.NewConsumer(l, 0, 10, time.Millisecond, e.Handle)
	n, err := c.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(3), c.Cursor())
	assert.Len(t, decodeAlerts(t, &buf), 2)
}

package eventlog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Handler processes one event. A non-nil error stops the batch and the
// event is delivered again on the next poll.
type Handler func(ctx context.Context, ev Event) error

// Consumer delivers events at least once, in sequence order
type Consumer struct {
	log      Log
	handler  Handler
	cursor   uint64
	batch    int
	interval time.Duration
}

// NewConsumer starts reading after cursor
func NewConsumer(l Log, cursor uint64, batch int, interval time.Duration, h Handler) *Consumer {
	if batch <= 0 {
		batch = 100
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Consumer{log: l, handler: h, cursor: cursor, batch: batch, interval: interval}
}

// Cursor is the sequence of the last successfully handled event
func (c *Consumer) Cursor() uint64 { return c.cursor }

// Poll handles one batch and returns how many events succeeded
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	events, err := c.log.Read(ctx, c.cursor, c.batch)
	if err != nil {
		return 0, fmt.Errorf("read events after %d: %w", c.cursor, err)
	}
	handled := 0
	for _, ev := range events {
		if err := c.handler(ctx, ev); err != nil {
			return handled, fmt.Errorf("handle event %d: %w", ev.Seq, err)
		}
		c.cursor = ev.Seq
		handled++
	}
	return handled, nil
}

// Run polls until ctx is cancelled. Batches that fill up are followed
// immediately by another poll.
func (c *Consumer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		n, err := c.Poll(ctx)
		if err != nil {
			log.Warn().Err(err).Uint64("cursor", c.cursor).Msg("Event consumer poll failed")
		}
		if err == nil && n == c.batch {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

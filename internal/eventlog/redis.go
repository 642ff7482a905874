package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const eventField = "event"

// RedisLog stores events in a Redis stream. Entry IDs are "<seq>-0" with the
// sequence taken from INCR on a companion key, so ranges map directly onto
// sequence numbers.
type RedisLog struct {
	client *redis.Client
	stream string
	seqKey string
}

// NewRedisLog connects to addr and verifies the connection
func NewRedisLog(addr, stream string) (*RedisLog, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisLogWithClient(rdb, stream), nil
}

// NewRedisLogWithClient wraps an existing client
func NewRedisLogWithClient(client *redis.Client, stream string) *RedisLog {
	return &RedisLog{client: client, stream: stream, seqKey: stream + ":seq"}
}

// Append implements Log
func (r *RedisLog) Append(ctx context.Context, ev Event) (Event, error) {
	seq, err := r.client.Incr(ctx, r.seqKey).Uint64()
	if err != nil {
		return Event{}, fmt.Errorf("redis incr: %w", err)
	}
	ev.Seq = seq

	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		ID:     streamID(seq),
		Values: []interface{}{eventField, string(data)},
	}).Err()
	if err != nil {
		return Event{}, fmt.Errorf("redis xadd: %w", err)
	}
	return ev, nil
}

// Read implements Log
func (r *RedisLog) Read(ctx context.Context, after uint64, limit int) ([]Event, error) {
	start := streamID(after + 1)
	var (
		msgs []redis.XMessage
		err  error
	)
	if limit > 0 {
		msgs, err = r.client.XRangeN(ctx, r.stream, start, "+", int64(limit)).Result()
	} else {
		msgs, err = r.client.XRange(ctx, r.stream, start, "+").Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redis xrange: %w", err)
	}

	out := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[eventField].(string)
		if !ok {
			return nil, fmt.Errorf("stream entry %s has no %s field", m.ID, eventField)
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode stream entry %s: %w", m.ID, err)
		}
		if ev.Seq == 0 {
			ev.Seq = seqOf(m.ID)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Close closes the client
func (r *RedisLog) Close() error { return r.client.Close() }

func streamID(seq uint64) string {
	return strconv.FormatUint(seq, 10) + "-0"
}

func seqOf(id string) uint64 {
	head, _, _ := strings.Cut(id, "-")
	n, _ := strconv.ParseUint(head, 10, 64)
	return n
}

package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sawpanic/hedgerun/internal/domain"
)

// Redis stores each asset's state as a JSON field of one hash
type Redis struct {
	client *redis.Client
	key    string
}

// NewRedis connects to addr and verifies the connection
func NewRedis(addr, key string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisWithClient(rdb, key), nil
}

// NewRedisWithClient wraps an existing client
func NewRedisWithClient(client *redis.Client, key string) *Redis {
	return &Redis{client: client, key: key}
}

// Save implements StateStore
func (r *Redis) Save(ctx context.Context, s domain.HedgeState) error {
	if err := validate(s); err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	if err := r.client.HSet(ctx, r.key, s.Asset, string(data)).Err(); err != nil {
		return fmt.Errorf("redis hset: %w", err)
	}
	return nil
}

// Load implements StateStore
func (r *Redis) Load(ctx context.Context, asset string) (domain.HedgeState, bool, error) {
	val, err := r.client.HGet(ctx, r.key, asset).Result()
	if err != nil {
		if err == redis.Nil {
			return domain.HedgeState{}, false, nil
		}
		return domain.HedgeState{}, false, fmt.Errorf("redis hget: %w", err)
	}
	s, err := decodeState(asset, val)
	if err != nil {
		return domain.HedgeState{}, false, err
	}
	return s, true, nil
}

// LoadAll implements StateStore
func (r *Redis) LoadAll(ctx context.Context) ([]domain.HedgeState, error) {
	vals, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make([]domain.HedgeState, 0, len(vals))
	for asset, val := range vals {
		s, err := decodeState(asset, val)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sortStates(out)
	return out, nil
}

// Delete implements StateStore
func (r *Redis) Delete(ctx context.Context, asset string) error {
	if err := r.client.HDel(ctx, r.key, asset).Err(); err != nil {
		return fmt.Errorf("redis hdel: %w", err)
	}
	return nil
}

// Ping implements Pinger
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the client
func (r *Redis) Close() error { return r.client.Close() }

func decodeState(asset, val string) (domain.HedgeState, error) {
	var s domain.HedgeState
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return s, fmt.Errorf("decode state %s: %w", asset, err)
	}
	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

package persistence

import (
	"fmt"
	"io"

	"github.com/sawpanic/hedgerun/internal/config"
	"github.com/sawpanic/hedgerun/internal/persistence/postgres"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the store selected by cfg.Backend. The closer releases any
// connection held by the store.
func Open(cfg config.Persistence) (StateStore, io.Closer, error) {
	switch cfg.Backend {
	case "", "none":
		return NewMemory(), nopCloser{}, nil
	case "file":
		s, err := OpenFile(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case "redis":
		s, err := NewRedis(cfg.RedisAddr, cfg.RedisKey)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "postgres":
		pc := postgres.DefaultConfig()
		pc.DSN = cfg.DSN
		if cfg.QueryTimeout > 0 {
			pc.QueryTimeout = cfg.QueryTimeout
		}
		s, err := postgres.Connect(pc)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("unknown persistence backend %q", cfg.Backend)
	}
}

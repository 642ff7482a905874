package eventlog

import (
	"fmt"
	"io"

	"github.com/sawpanic/hedgerun/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the log selected by cfg.Backend
func Open(cfg config.Events) (Log, io.Closer, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLog(), nopCloser{}, nil
	case "file":
		l, err := OpenFileLog(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return l, l, nil
	case "redis":
		l, err := NewRedisLog(cfg.RedisAddr, cfg.Stream)
		if err != nil {
			return nil, nil, err
		}
		return l, l, nil
	default:
		return nil, nil, fmt.Errorf("unknown event log backend %q", cfg.Backend)
	}
}

package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/sawpanic/hedgerun/internal/domain"
	atomicio "github.com/sawpanic/hedgerun/internal/io"
)

// fileDocument is the on-disk layout of the file store
type fileDocument struct {
	Version int                          `json:"version"`
	States  map[string]domain.HedgeState `json:"states"`
}

const fileVersion = 1

// File keeps every state in one JSON document rewritten atomically on each
// change
type File struct {
	mu     sync.Mutex
	path   string
	states map[string]domain.HedgeState
}

// OpenFile loads path if it exists
func OpenFile(path string) (*File, error) {
	f := &File{path: path, states: make(map[string]domain.HedgeState)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return f, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode state file %s: %w", path, err)
	}
	if doc.Version != fileVersion {
		return nil, fmt.Errorf("state file %s: unsupported version %d", path, doc.Version)
	}
	for asset, s := range doc.States {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("state file %s: %w", path, err)
		}
		f.states[asset] = s
	}
	return f, nil
}

// Save implements StateStore
func (f *File) Save(ctx context.Context, s domain.HedgeState) error {
	if err := validate(s); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.states[s.Asset]
	f.states[s.Asset] = s
	if err := f.flush(); err != nil {
		if had {
			f.states[s.Asset] = prev
		} else {
			delete(f.states, s.Asset)
		}
		return err
	}
	return nil
}

// Load implements StateStore
func (f *File) Load(_ context.Context, asset string) (domain.HedgeState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[asset]
	return s, ok, nil
}

// LoadAll implements StateStore
func (f *File) LoadAll(_ context.Context) ([]domain.HedgeState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.HedgeState, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	sortStates(out)
	return out, nil
}

// Delete implements StateStore
func (f *File) Delete(_ context.Context, asset string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev, had := f.states[asset]
	if !had {
		return nil
	}
	delete(f.states, asset)
	if err := f.flush(); err != nil {
		f.states[asset] = prev
		return err
	}
	return nil
}

func (f *File) flush() error {
	if err := atomicio.WriteJSONAtomic(f.path, fileDocument{Version: fileVersion, States: f.states}); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

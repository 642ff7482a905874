package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const maxLine = 1 << 20

// FileLog appends one JSON document per line
type FileLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	seq  uint64
}

// OpenFileLog opens (or creates) path and resumes numbering after the last
// event found in it
func OpenFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}

	l := &FileLog{path: path, f: f}
	err = scan(f, func(ev Event) bool {
		l.seq = ev.Seq
		return true
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("scan event log %s: %w", path, err)
	}
	return l, nil
}

// Append implements Log
func (l *FileLog) Append(_ context.Context, ev Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ev.Seq = l.seq + 1
	data, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("encode event: %w", err)
	}
	if _, err := l.f.Write(append(data, '\n')); err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	l.seq = ev.Seq
	return ev, nil
}

// Read implements Log
func (l *FileLog) Read(ctx context.Context, after uint64, limit int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	var out []Event
	err = scan(f, func(ev Event) bool {
		if ev.Seq > after {
			out = append(out, ev)
		}
		return ctx.Err() == nil && (limit <= 0 || len(out) < limit)
	})
	if err == nil {
		err = ctx.Err()
	}
	return out, err
}

// Close closes the underlying file
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

func scan(r io.Reader, fn func(Event) bool) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), maxLine)
	for s.Scan() {
		line := s.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return fmt.Errorf("decode line: %w", err)
		}
		if !fn(ev) {
			return nil
		}
	}
	if err := s.Err(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

package io

import (
	"bufio"
	"encoding/json"
	"fmt"
	stdio "io"
	"os"
	"path/filepath"
)

// WriteJSONAtomic writes v as indented JSON. Readers see either the previous
// file or the new one, never a partial write.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// WriteLinesAtomic writes one JSON document per element of items
func WriteLinesAtomic[T any](path string, items []T) error {
	return writeAtomic(path, func(w stdio.Writer) error {
		enc := json.NewEncoder(w)
		for i := range items {
			if err := enc.Encode(items[i]); err != nil {
				return fmt.Errorf("encode line %d: %w", i, err)
			}
		}
		return nil
	})
}

// WriteFileAtomic writes data to path through a synced temp file and rename
func WriteFileAtomic(path string, data []byte) error {
	return writeAtomic(path, func(w stdio.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func writeAtomic(path string, fill func(w stdio.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	buf := bufio.NewWriter(tmp)
	if err := fill(buf); err != nil {
		return cleanup(err)
	}
	if err := buf.Flush(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Package file implements a watermark store backed by a JSON document on the
// local filesystem.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/JakeFAU/slide-ingest/internal/watermark"
)

const lockRetryDelay = 50 * time.Millisecond

// Config captures the parameters for the file store.
type Config struct {
	// Path is the JSON document holding the marks.
	Path string `mapstructure:"path" yaml:"path"`
}

// Store reads and replaces one JSON document. A sibling ".lock" file guards
// writers across processes; replacement goes through a temp file and rename.
type Store struct {
	path string
	lock *flock.Flock
}

// New creates the parent directory if needed and verifies it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("watermark file path is required")
	}
	dir := filepath.Dir(cfg.Path)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat watermark directory: %w", err)
		}
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create watermark directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("watermark directory %s is not a directory", dir)
	}

	probe, err := os.CreateTemp(dir, ".writable_test")
	if err != nil {
		return nil, fmt.Errorf("watermark directory is not writable: %w", err)
	}
	_ = probe.Close()
	if err := os.Remove(probe.Name()); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{
		path: cfg.Path,
		lock: flock.New(cfg.Path + ".lock"),
	}, nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document. A missing file is an empty mapping.
func (s *Store) Load(_ context.Context) (watermark.Marks, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return watermark.Marks{}, nil
	}
	if err != nil {
		return nil, &watermark.IOError{Op: "load", Err: err}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return watermark.Marks{}, nil
	}
	marks := watermark.Marks{}
	if err := json.Unmarshal(data, &marks); err != nil {
		return nil, &watermark.IOError{Op: "load", Err: fmt.Errorf("decode %s: %w", s.path, err)}
	}
	return marks, nil
}

// Save replaces the document with marks.
func (s *Store) Save(ctx context.Context, marks watermark.Marks) error {
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return &watermark.IOError{Op: "save", Err: fmt.Errorf("lock %s: %w", s.lock.Path(), err)}
	}
	if !locked {
		return &watermark.IOError{Op: "save", Err: fmt.Errorf("lock %s: not acquired", s.lock.Path())}
	}
	defer func() {
		_ = s.lock.Unlock()
	}()

	data, err := json.MarshalIndent(marks, "", "  ")
	if err != nil {
		return &watermark.IOError{Op: "save", Err: fmt.Errorf("encode: %w", err)}
	}
	if err := writeAtomic(s.path, data); err != nil {
		return &watermark.IOError{Op: "save", Err: err}
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpName)
	}

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

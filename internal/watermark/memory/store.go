// Package memory contains an in-process watermark store for tests and dry runs.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/slide-ingest/internal/watermark"
)

// Store keeps marks in memory.
type Store struct {
	mu    sync.RWMutex
	marks watermark.Marks
	saves int
	err   error
}

// New returns an empty Store.
func New() *Store {
	return &Store{marks: watermark.Marks{}}
}

// NewWith returns a Store seeded with marks.
func NewWith(marks watermark.Marks) *Store {
	return &Store{marks: marks.Clone()}
}

// Load returns a copy of the stored marks.
func (s *Store) Load(_ context.Context) (watermark.Marks, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.marks.Clone(), nil
}

// Save replaces the stored marks, or returns the injected failure.
func (s *Store) Save(_ context.Context, marks watermark.Marks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return &watermark.IOError{Op: "save", Err: s.err}
	}
	s.marks = marks.Clone()
	s.saves++
	return nil
}

// FailSaves makes every subsequent Save return err; nil clears it.
func (s *Store) FailSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Saves reports how many successful saves happened.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

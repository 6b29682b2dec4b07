// Package watermark defines the durable per-root high-water marks that let a
// sync skip files it has already delivered.
package watermark

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Marks maps a crawl root URL to the newest modified time seen below it.
type Marks map[string]time.Time

// Store persists Marks across process restarts. Load on a store that has
// never been written returns an empty mapping. Save replaces the whole
// mapping atomically.
type Store interface {
	Load(ctx context.Context) (Marks, error)
	Save(ctx context.Context, marks Marks) error
}

// IOError wraps every persistence failure.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("watermark %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Advance raises marks[root] to t. It never moves a mark backwards and
// reports whether the stored value changed.
func (m Marks) Advance(root string, t time.Time) bool {
	if prev, ok := m[root]; ok && !t.After(prev) {
		return false
	}
	m[root] = t
	return true
}

// Clone returns an independent copy.
func (m Marks) Clone() Marks {
	out := make(Marks, len(m))
	maps.Copy(out, m)
	return out
}

// Roots returns the roots in sorted order.
func (m Marks) Roots() []string {
	return slices.Sorted(maps.Keys(m))
}

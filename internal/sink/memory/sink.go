// Package memory provides an in-process RecordSink for dry runs and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/JakeFAU/slide-ingest/internal/sink"
)

var namespace = uuid.MustParse("6f1c2b1e-3c4d-4b8a-9a57-0e1f6d0c5a11")

// Sink records every container, record and metadata write. Ids are derived
// from the natural key, so repeated calls return the same id.
type Sink struct {
	mu         sync.Mutex
	containers map[string]string
	records    map[string]string
	metadata   map[string]map[string]string
	calls      int
}

// New returns an empty Sink.
func New() *Sink {
	return &Sink{
		containers: map[string]string{},
		records:    map[string]string{},
		metadata:   map[string]map[string]string{},
	}
}

// LoadOrCreateContainer implements sink.RecordSink.
func (s *Sink) LoadOrCreateContainer(_ context.Context, name string, parent sink.Parent) (string, error) {
	if name == "" {
		return "", fmt.Errorf("container name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	key := parent.Type + "/" + parent.ID + "/" + name
	if id, ok := s.containers[key]; ok {
		return id, nil
	}
	id := uuid.NewSHA1(namespace, []byte("container:"+key)).String()
	s.containers[key] = id
	return id, nil
}

// LoadOrCreateRecord implements sink.RecordSink.
func (s *Sink) LoadOrCreateRecord(_ context.Context, name, containerID string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("record name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	key := containerID + "/" + name
	if id, ok := s.records[key]; ok {
		return id, nil
	}
	id := uuid.NewSHA1(namespace, []byte("record:"+key)).String()
	s.records[key] = id
	return id, nil
}

// AttachMetadata implements sink.RecordSink.
func (s *Sink) AttachMetadata(_ context.Context, recordID string, metadata map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	meta, ok := s.metadata[recordID]
	if !ok {
		meta = map[string]string{}
		s.metadata[recordID] = meta
	}
	maps.Copy(meta, metadata)
	return nil
}

// ContainerNames lists every created container key ("type/id/name"), sorted.
func (s *Sink) ContainerNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.containers))
}

// RecordCount reports how many distinct records exist.
func (s *Sink) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Metadata returns a copy of the metadata attached to recordID.
func (s *Sink) Metadata(recordID string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.metadata[recordID])
}

// Find returns the record id for an item in a container found by name under parent.
func (s *Sink) Find(parent sink.Parent, container, record string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cid, ok := s.containers[parent.Type+"/"+parent.ID+"/"+container]
	if !ok {
		return "", false
	}
	rid, ok := s.records[cid+"/"+record]
	return rid, ok
}

// Calls reports the total number of sink calls received.
func (s *Sink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ sink.RecordSink = (*Sink)(nil)

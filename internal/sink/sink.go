// Package sink defines the downstream record store that ingested slides are
// delivered to.
package sink

import "context"

// Parent identifies the container under which per-participant groups are created.
type Parent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// RecordSink receives one record per new slide. Every call is idempotent keyed
// by name and parent, so re-delivering after an aborted run is safe.
type RecordSink interface {
	// LoadOrCreateContainer returns the id of the group named name under parent.
	LoadOrCreateContainer(ctx context.Context, name string, parent Parent) (string, error)
	// LoadOrCreateRecord returns the id of the record named name in containerID.
	LoadOrCreateRecord(ctx context.Context, name, containerID string) (string, error)
	// AttachMetadata merges metadata into the record.
	AttachMetadata(ctx context.Context, recordID string, metadata map[string]string) error
}

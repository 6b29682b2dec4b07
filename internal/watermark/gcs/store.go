// Package gcs keeps watermarks as a JSON object in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/slide-ingest/internal/watermark"
)

const (
	defaultObject = "slide-ingest/watermarks.json"
	contentType   = "application/json"
)

// Config captures the bucket location of the watermark object.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Object string `mapstructure:"object"`
}

// objectIO is the slice of the storage client the store needs.
type objectIO interface {
	// Read returns the object body and its generation; storage.ErrObjectNotExist when absent.
	Read(ctx context.Context) ([]byte, int64, error)
	// Write replaces the object. generation 0 requires the object to be absent.
	Write(ctx context.Context, data []byte, generation int64) error
}

// Store reads and replaces one object. Writes are conditioned on the
// generation observed by the last Load, so a concurrent writer surfaces as
// an error instead of a silent overwrite.
type Store struct {
	mu         sync.Mutex
	obj        objectIO
	uri        string
	generation int64
	loaded     bool
}

// New creates a GCS-backed watermark store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	object := strings.TrimPrefix(strings.TrimSpace(cfg.Object), "/")
	if object == "" {
		object = defaultObject
	}
	return &Store{
		obj: &bucketObject{handle: client.Bucket(cfg.Bucket).Object(object)},
		uri: fmt.Sprintf("gs://%s/%s", cfg.Bucket, object),
	}, nil
}

func newWithObject(obj objectIO, uri string) *Store {
	return &Store{obj: obj, uri: uri}
}

// URI returns the gs:// location of the watermark object.
func (s *Store) URI() string {
	return s.uri
}

// Load reads the object. A missing object is an empty mapping.
func (s *Store) Load(ctx context.Context) (watermark.Marks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, gen, err := s.obj.Read(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		s.generation, s.loaded = 0, true
		return watermark.Marks{}, nil
	}
	if err != nil {
		return nil, &watermark.IOError{Op: "load", Err: fmt.Errorf("read %s: %w", s.uri, err)}
	}
	marks := watermark.Marks{}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &marks); err != nil {
			return nil, &watermark.IOError{Op: "load", Err: fmt.Errorf("decode %s: %w", s.uri, err)}
		}
	}
	s.generation, s.loaded = gen, true
	return marks, nil
}

// Save replaces the object with marks.
func (s *Store) Save(ctx context.Context, marks watermark.Marks) error {
	data, err := json.Marshal(marks)
	if err != nil {
		return &watermark.IOError{Op: "save", Err: fmt.Errorf("encode: %w", err)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	gen := int64(-1)
	if s.loaded {
		gen = s.generation
	}
	if err := s.obj.Write(ctx, data, gen); err != nil {
		return &watermark.IOError{Op: "save", Err: fmt.Errorf("write %s: %w", s.uri, err)}
	}
	// The next save must re-read to learn the new generation.
	s.loaded = false
	return nil
}

type bucketObject struct {
	handle *storage.ObjectHandle
}

func (b *bucketObject) Read(ctx context.Context) ([]byte, int64, error) {
	reader, err := b.handle.NewReader(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, 0, fmt.Errorf("read object: %w", err)
	}
	return data, reader.Attrs.Generation, nil
}

// Write uploads data; a negative generation writes unconditionally.
func (b *bucketObject) Write(ctx context.Context, data []byte, generation int64) error {
	handle := b.handle
	switch {
	case generation == 0:
		handle = handle.If(storage.Conditions{DoesNotExist: true})
	case generation > 0:
		handle = handle.If(storage.Conditions{GenerationMatch: generation})
	}
	writer := handle.NewWriter(ctx)
	writer.ContentType = contentType
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

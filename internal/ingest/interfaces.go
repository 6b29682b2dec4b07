package ingest

import (
	"context"
	"iter"
	"time"

	"github.com/JakeFAU/slide-ingest/internal/listing"
)

// Walker yields every tracked file below a root, lazily and in a stable order.
type Walker interface {
	Walk(ctx context.Context, root string) iter.Seq2[listing.File, error]
}

// Publisher emits events to a message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

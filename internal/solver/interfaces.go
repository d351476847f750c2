package solver

import (
	"context"
	"io"
	"time"
)

// Runner executes the external engine once for the given problem text.
type Runner interface {
	Run(ctx context.Context, problemText string) (Invocation, error)
}

// RecordStore persists invocation audit records.
type RecordStore interface {
	SaveRecord(ctx context.Context, rec Record) error
	GetRecord(ctx context.Context, id string) (Record, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub, Redis, MQTT (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for audit records.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Policy encapsulates admission control for calculation requests.
type Policy interface {
	Allow(clientKey string) bool
}

// Hasher computes digests for problem texts and archived output.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces invocation IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

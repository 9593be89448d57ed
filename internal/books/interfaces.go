package books

import (
	"context"
	"time"
)

// Store persists normalized records. Implementations own upsert
// semantics: UpsertBook is create-or-update keyed by SourceItemID.
type Store interface {
	UpsertBook(ctx context.Context, book Book) error
	AppendStat(ctx context.Context, stat BookStat) error
	AppendRankingSnapshot(ctx context.Context, snap RankingSnapshot) error
	// FindSnapshotNear reports whether any stat or ranking snapshot for
	// the source exists within +/- window of the given time.
	FindSnapshotNear(ctx context.Context, sourceID string, at time.Time, window time.Duration) (bool, error)
}

// BlobStore writes raw payload artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique id suffixes for executions.
type IDGenerator interface {
	NewID() (string, error)
}

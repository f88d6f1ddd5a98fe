package fleet

import (
	"context"
	"io"
	"time"
)

// Clock returns the current time. Implementations should keep the monotonic
// reading so elapsed-time math survives wall clock adjustments.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Browser is the substrate behind the page pools: one automation process that
// hands out isolated pages.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	// Reset tears the substrate down; the next NewPage relaunches it.
	Reset(ctx context.Context) error
	Close() error
}

// Page is a single browser tab or anonymous context.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Content(ctx context.Context) (string, error)
	// Responses streams network responses observed since the page opened.
	Responses() <-chan Response
	Close() error
}

// Backend receives normalized match updates. Remote writes are idempotent
// upserts, so a payload may be pushed more than once.
type Backend interface {
	Push(ctx context.Context, payload Payload) error
	HealthCheck(ctx context.Context) bool
}

// SnapshotStore persists the latest StateSnapshot per match.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot StateSnapshot) error
	Load(ctx context.Context, matchID string) (StateSnapshot, error)
	Delete(ctx context.Context, matchID string) error
}

// BlobStore writes archived artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// AuditLog is an append-only, bounded log of health and audit records.
type AuditLog interface {
	AppendAudit(ctx context.Context, records ...AuditRecord) error
	RecentAudit(ctx context.Context, limit int) ([]AuditRecord, error)
}

package out

import (
	"context"
	"time"
)

// Cache is the best-effort key/value port. Misses and backend outages
// read as absent; consumers must tolerate lost writes.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
	Delete(ctx context.Context, key string)
	Exists(ctx context.Context, key string) bool
	MarkSeen(ctx context.Context, emailID string)
	WasSeen(ctx context.Context, emailID string) bool
}

// BodyArchive stores raw message bodies outside the relational store.
type BodyArchive interface {
	SaveBody(ctx context.Context, emailID, textBody, htmlBody string) error
	GetBody(ctx context.Context, emailID string) (textBody, htmlBody string, err error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

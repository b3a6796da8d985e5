package domain

import (
	"context"
	"time"
)

// ObjectStore is the cold-storage side of the journal archive. Keys are
// slash-separated object paths.
type ObjectStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, body []byte, meta map[string]string) error
}

// Archiver moves old journal rows from the database to cold storage.
type Archiver interface {
	ArchiveExecutions(ctx context.Context, before time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}

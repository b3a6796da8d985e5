package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

const archiveBatch = 5000

// Archiver implements domain.Archiver. It copies completed executions and
// audit entries older than a cutoff into JSONL objects and, once an object is
// uploaded, prunes the copied rows from the database.
//
// Rows sharing the timestamp of a full batch's last row stay behind and are
// copied again by the next batch, so an archived row can appear in two
// objects but is never lost. An object that is already stored is kept, so a
// run interrupted between upload and prune does not rewrite it.
type Archiver struct {
	store  domain.ObjectStore
	execs  domain.ExecutionStore
	audit  domain.AuditStore
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an Archiver.
func NewArchiver(store domain.ObjectStore, execs domain.ExecutionStore, audit domain.AuditStore, logger *slog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		execs:  execs,
		audit:  audit,
		logger: logger.With(slog.String("component", "archiver")),
		now:    time.Now,
	}
}

// ArchiveExecutions moves executions completed before the cutoff to object
// storage and returns how many rows were archived.
func (a *Archiver) ArchiveExecutions(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "executions", before,
		a.execs.ListBefore,
		func(e domain.Execution) time.Time { return *e.CompletedAt },
		a.execs.DeleteBefore,
	)
}

// ArchiveAudit moves audit entries created before the cutoff to object
// storage and returns how many rows were archived.
func (a *Archiver) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	return archive(ctx, a, "audit", before,
		a.audit.ListBefore,
		func(e domain.AuditEntry) time.Time { return e.CreatedAt },
		a.audit.DeleteBefore,
	)
}

// Run archives everything older than retention every interval until ctx is
// cancelled.
func (a *Archiver) Run(ctx context.Context, retention, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cutoff := a.now().Add(-retention)
		if n, err := a.ArchiveExecutions(ctx, cutoff); err != nil {
			a.logger.ErrorContext(ctx, "archive executions failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.InfoContext(ctx, "archived executions", slog.Int64("count", n))
		}
		if n, err := a.ArchiveAudit(ctx, cutoff); err != nil {
			a.logger.ErrorContext(ctx, "archive audit failed", slog.String("error", err.Error()))
		} else if n > 0 {
			a.logger.InfoContext(ctx, "archived audit entries", slog.Int64("count", n))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func archive[T any](
	ctx context.Context,
	a *Archiver,
	kind string,
	before time.Time,
	list func(context.Context, time.Time, int) ([]T, error),
	stamp func(T) time.Time,
	prune func(context.Context, time.Time) (int64, error),
) (int64, error) {
	var total int64
	for {
		rows, err := list(ctx, before, archiveBatch)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s query: %w", kind, err)
		}
		if len(rows) == 0 {
			return total, nil
		}

		buf, err := marshalJSONL(rows)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive %s marshal: %w", kind, err)
		}
		path := archivePath(kind, stamp(rows[0]), stamp(rows[len(rows)-1]))
		if err := a.upload(ctx, path, buf, len(rows)); err != nil {
			return total, fmt.Errorf("s3blob: archive %s upload: %w", kind, err)
		}

		full := len(rows) == archiveBatch
		cutoff := before
		if full {
			cutoff = stamp(rows[len(rows)-1])
		}
		if _, err := prune(ctx, cutoff); err != nil {
			return total, fmt.Errorf("s3blob: archive %s prune: %w", kind, err)
		}
		total += int64(len(rows))

		if kind != "audit" {
			if err := a.audit.Log(ctx, "archive."+kind, map[string]any{
				"path":   path,
				"count":  len(rows),
				"before": before.Format(time.RFC3339),
			}); err != nil {
				a.logger.WarnContext(ctx, "audit archive event failed", slog.String("error", err.Error()))
			}
		}

		// A full batch whose rows all share one timestamp cannot make
		// progress; leave the rest for the next run.
		if !full || !stamp(rows[0]).Before(cutoff) {
			return total, nil
		}
	}
}

func (a *Archiver) upload(ctx context.Context, path string, buf []byte, rows int) error {
	exists, err := a.store.Exists(ctx, path)
	if err != nil {
		a.logger.WarnContext(ctx, "archive exists check failed, uploading",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	} else if exists {
		a.logger.InfoContext(ctx, "archive object already stored", slog.String("path", path))
		return nil
	}
	return a.store.Put(ctx, path, buf, map[string]string{"rows": strconv.Itoa(rows)})
}

// archivePath builds the object key for a batch, partitioned by the month of
// its first row.
//
//	archive/executions/2025-01/20250103T000000Z-20250109T120000Z.jsonl
func archivePath(kind string, first, last time.Time) string {
	const stamp = "20060102T150405Z"
	return fmt.Sprintf("archive/%s/%s/%s-%s.jsonl",
		kind, first.UTC().Format("2006-01"), first.UTC().Format(stamp), last.UTC().Format(stamp))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

// Compile-time interface check.
var _ domain.Archiver = (*Archiver)(nil)

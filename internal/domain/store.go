package domain

import (
	"context"
	"time"
)

// AuditFilter selects audit entries, newest first. Zero fields do not
// filter.
type AuditFilter struct {
	Event string
	Since time.Time
	Limit int
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]AuditEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ExecutionStore persists two-leg executions for reconciliation and PnL.
type ExecutionStore interface {
	Create(ctx context.Context, exec Execution) error
	UpsertLeg(ctx context.Context, executionID string, leg ExecutionLeg) error
	Complete(ctx context.Context, id string, status ExecutionStatus, at time.Time) error
	GetByID(ctx context.Context, id string) (Execution, error)
	ListRecent(ctx context.Context, limit int) ([]Execution, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Execution, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// FillStore persists venue fills. Insert reports false when the fill id was
// already stored.
type FillStore interface {
	Insert(ctx context.Context, fill Fill) (bool, error)
	ListAll(ctx context.Context) ([]Fill, error)
}

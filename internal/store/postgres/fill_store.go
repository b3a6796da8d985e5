package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// FillStore implements domain.FillStore using PostgreSQL. The ledger restores
// from it on startup.
type FillStore struct {
	pool *pgxpool.Pool
}

// NewFillStore creates a new FillStore.
func NewFillStore(pool *pgxpool.Pool) *FillStore {
	return &FillStore{pool: pool}
}

// Insert stores f unless a fill with the same id exists, and reports whether
// a row was written.
func (s *FillStore) Insert(ctx context.Context, f domain.Fill) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO fills (id, idempotency_key, venue, instrument, side, price, quantity, fee, filled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		f.ID, f.IdempotencyKey, f.Venue, f.Instrument, string(f.Side),
		f.Price, f.Quantity, f.Fee, f.FilledAt,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: insert fill %s: %w", f.ID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListAll returns every stored fill in fill order.
func (s *FillStore) ListAll(ctx context.Context) ([]domain.Fill, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, idempotency_key, venue, instrument, side, price, quantity, fee, filled_at
		FROM fills ORDER BY filled_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills: %w", err)
	}
	fills, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Fill, error) {
		var (
			f    domain.Fill
			side string
		)
		err := row.Scan(&f.ID, &f.IdempotencyKey, &f.Venue, &f.Instrument, &side,
			&f.Price, &f.Quantity, &f.Fee, &f.FilledAt)
		f.Side = domain.Side(side)
		return f, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan fills: %w", err)
	}
	return fills, nil
}

// Compile-time interface check.
var _ domain.FillStore = (*FillStore)(nil)

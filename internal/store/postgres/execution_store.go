package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/simplearb/internal/domain"
)

// ExecutionStore implements domain.ExecutionStore using PostgreSQL. Legs are
// keyed by idempotency key so dispatcher state changes upsert in place.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates a new ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

const executionColumns = `id, opportunity_id, instrument, buy_venue, sell_venue, size, edge, expected_pnl, status, started_at, completed_at`

const legColumns = `execution_id, idempotency_key, venue, side, price, size, filled_qty, state, unwind`

const upsertLeg = `
	INSERT INTO execution_legs (` + legColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (idempotency_key) DO UPDATE SET
		filled_qty = EXCLUDED.filled_qty,
		state      = EXCLUDED.state,
		updated_at = NOW()`

// Create inserts an execution and its initial legs in one transaction.
func (s *ExecutionStore) Create(ctx context.Context, exec domain.Execution) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin execution tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		exec.ID, exec.OpportunityID, exec.Instrument, exec.BuyVenue, exec.SellVenue,
		exec.Size, exec.Edge, exec.ExpectedPnL, string(exec.Status), exec.StartedAt, exec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", exec.ID, err)
	}

	batch := &pgx.Batch{}
	for _, leg := range exec.Legs {
		batch.Queue(upsertLeg, legArgs(exec.ID, leg)...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres: insert execution legs %s: %w", exec.ID, err)
	}

	return tx.Commit(ctx)
}

// UpsertLeg records the current state of a leg. Unwind legs are added to the
// execution the first time they are seen.
func (s *ExecutionStore) UpsertLeg(ctx context.Context, executionID string, leg domain.ExecutionLeg) error {
	if _, err := s.pool.Exec(ctx, upsertLeg, legArgs(executionID, leg)...); err != nil {
		return fmt.Errorf("postgres: upsert leg %s: %w", leg.IdempotencyKey, err)
	}
	return nil
}

// Complete sets the final status of an execution.
func (s *ExecutionStore) Complete(ctx context.Context, id string, status domain.ExecutionStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE executions SET status = $2, completed_at = $3 WHERE id = $1`,
		id, string(status), at,
	)
	if err != nil {
		return fmt.Errorf("postgres: complete execution %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: complete execution %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// GetByID returns an execution with its legs.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.Execution, error) {
	exec, err := scanExecution(s.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Execution{}, domain.ErrNotFound
		}
		return domain.Execution{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	list := []domain.Execution{exec}
	if err := s.attachLegs(ctx, list); err != nil {
		return domain.Execution{}, err
	}
	return list[0], nil
}

// ListRecent returns the most recently started executions with their legs.
func (s *ExecutionStore) ListRecent(ctx context.Context, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.list(ctx, `SELECT `+executionColumns+` FROM executions ORDER BY started_at DESC LIMIT $1`, limit)
}

// ListBefore returns up to limit completed executions that finished before
// the cutoff, oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.list(ctx, `
		SELECT `+executionColumns+` FROM executions
		WHERE completed_at IS NOT NULL AND completed_at < $1
		ORDER BY completed_at, id LIMIT $2`, before, limit)
}

// DeleteBefore removes completed executions that finished before the cutoff.
// Their legs are removed by the foreign key cascade.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM executions WHERE completed_at IS NOT NULL AND completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *ExecutionStore) list(ctx context.Context, query string, args ...any) ([]domain.Execution, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	list, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Execution, error) {
		return scanExecution(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan executions: %w", err)
	}
	if err := s.attachLegs(ctx, list); err != nil {
		return nil, err
	}
	return list, nil
}

// attachLegs loads the legs of every execution in list with one query.
func (s *ExecutionStore) attachLegs(ctx context.Context, list []domain.Execution) error {
	if len(list) == 0 {
		return nil
	}
	ids := make([]string, len(list))
	index := make(map[string]int, len(list))
	for i, e := range list {
		ids[i] = e.ID
		index[e.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+legColumns+` FROM execution_legs
		WHERE execution_id = ANY($1) ORDER BY created_at, idempotency_key`, ids)
	if err != nil {
		return fmt.Errorf("postgres: list execution legs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			execID      string
			leg         domain.ExecutionLeg
			side, state string
		)
		if err := rows.Scan(&execID, &leg.IdempotencyKey, &leg.Venue, &side, &leg.Price,
			&leg.Size, &leg.FilledQty, &state, &leg.Unwind); err != nil {
			return fmt.Errorf("postgres: scan execution leg: %w", err)
		}
		leg.Side = domain.Side(side)
		leg.State = domain.IntentState(state)
		if i, ok := index[execID]; ok {
			list[i].Legs = append(list[i].Legs, leg)
		}
	}
	return rows.Err()
}

func scanExecution(row pgx.Row) (domain.Execution, error) {
	var (
		exec   domain.Execution
		status string
	)
	err := row.Scan(&exec.ID, &exec.OpportunityID, &exec.Instrument, &exec.BuyVenue, &exec.SellVenue,
		&exec.Size, &exec.Edge, &exec.ExpectedPnL, &status, &exec.StartedAt, &exec.CompletedAt)
	if err != nil {
		return domain.Execution{}, err
	}
	exec.Status = domain.ExecutionStatus(status)
	return exec, nil
}

func legArgs(executionID string, leg domain.ExecutionLeg) []any {
	return []any{
		executionID, leg.IdempotencyKey, leg.Venue, string(leg.Side), leg.Price,
		leg.Size, leg.FilledQty, string(leg.State), leg.Unwind,
	}
}

// Compile-time interface check.
var _ domain.ExecutionStore = (*ExecutionStore)(nil)

package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"options-signal-engine/internal/position"
	"options-signal-engine/internal/signal"
)

// PositionStore is the Postgres-backed position store. Close operations are
// conditional updates on status so racing exit workers cannot double-close.
type PositionStore struct {
	db *DB
}

// NewPositionStore creates a Postgres-backed position store.
func NewPositionStore(db *DB) *PositionStore {
	return &PositionStore{db: db}
}

const positionColumns = `id, signal_id, parent_id, symbol, direction, quantity,
	entry_price, entry_time, current_price, unrealized_pnl,
	exit_price, exit_time, realized_pnl, status, created_at, updated_at`

// Create inserts a new position row.
func (s *PositionStore) Create(ctx context.Context, pos *position.Position) error {
	query := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := s.db.Pool.Exec(ctx, query,
		pos.ID, nullIfEmpty(pos.SignalID), pos.ParentID, pos.Symbol, string(pos.Direction),
		pos.Quantity, pos.EntryPrice, pos.EntryTime, pos.CurrentPrice, pos.UnrealizedPnL,
		pos.ExitPrice, pos.ExitTime, pos.RealizedPnL, string(pos.Status), pos.CreatedAt, pos.UpdatedAt,
	)
	return err
}

// UpdatePrice updates the mark and unrealized P&L of an open position.
func (s *PositionStore) UpdatePrice(ctx context.Context, id string, currentPrice, unrealizedPnL float64) error {
	query := `
		UPDATE positions
		SET current_price = $2, unrealized_pnl = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'OPEN'
	`
	_, err := s.db.Pool.Exec(ctx, query, id, currentPrice, unrealizedPnL)
	return err
}

// CloseFull transitions a position from OPEN to CLOSED. The status predicate
// makes the close a claim: zero rows affected means another worker got there
// first.
func (s *PositionStore) CloseFull(ctx context.Context, id string, exitPrice float64, exitTime time.Time, realizedPnL float64) (bool, error) {
	query := `
		UPDATE positions
		SET status = 'CLOSED', exit_price = $2, exit_time = $3, realized_pnl = $4,
		    current_price = $2, unrealized_pnl = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'OPEN'
	`
	tag, err := s.db.Pool.Exec(ctx, query, id, exitPrice, exitTime, realizedPnL)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClosePartial shrinks the parent position and inserts the closed lot in one
// transaction. The quantity predicate rejects the claim if the parent was
// closed or shrunk concurrently.
func (s *PositionStore) ClosePartial(ctx context.Context, id string, lot *position.Position, remaining float64) (bool, error) {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	update := `
		UPDATE positions
		SET quantity = $2, unrealized_pnl = (current_price - entry_price) * $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND status = 'OPEN' AND quantity = $2 + $3
	`
	tag, err := tx.Exec(ctx, update, id, remaining, lot.Quantity)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() != 1 {
		return false, nil
	}

	insert := `
		INSERT INTO positions (` + positionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = tx.Exec(ctx, insert,
		lot.ID, nullIfEmpty(lot.SignalID), lot.ParentID, lot.Symbol, string(lot.Direction),
		lot.Quantity, lot.EntryPrice, lot.EntryTime, lot.CurrentPrice, lot.UnrealizedPnL,
		lot.ExitPrice, lot.ExitTime, lot.RealizedPnL, string(lot.Status), lot.CreatedAt, lot.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Get retrieves a position by ID.
func (s *PositionStore) Get(ctx context.Context, id string) (*position.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`
	pos, err := scanPosition(s.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s not found", id)
	}
	return pos, err
}

// ListOpen returns all OPEN positions, oldest entry first.
func (s *PositionStore) ListOpen(ctx context.Context) ([]*position.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE status = 'OPEN' ORDER BY entry_time`
	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*position.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

func scanPosition(row pgx.Row) (*position.Position, error) {
	pos := &position.Position{}
	var signalID *string
	var direction, status string
	err := row.Scan(
		&pos.ID, &signalID, &pos.ParentID, &pos.Symbol, &direction,
		&pos.Quantity, &pos.EntryPrice, &pos.EntryTime, &pos.CurrentPrice, &pos.UnrealizedPnL,
		&pos.ExitPrice, &pos.ExitTime, &pos.RealizedPnL, &status, &pos.CreatedAt, &pos.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if signalID != nil {
		pos.SignalID = *signalID
	}
	pos.Direction = signal.Direction(direction)
	pos.Status = position.Status(status)
	return pos, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

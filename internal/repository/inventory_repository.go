package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// InventoryRepo provides data access to the seat_holds table and
// implements engine.InventoryLedger. Capacity is always derived from
// the tier capacity minus ACTIVE and COMMITTED hold quantities; no
// separate counter exists that could drift.
type InventoryRepo struct {
	db *sql.DB
}

// NewInventoryRepo returns a new InventoryRepo bound to the provided
// database.
func NewInventoryRepo(db *sql.DB) *InventoryRepo { return &InventoryRepo{db: db} }

// TryHold atomically checks remaining capacity and inserts an ACTIVE
// hold. The SELECT ... FOR UPDATE on the tier row serializes
// concurrent holds for the same tier, so of several reserves racing
// for the last seats exactly one succeeds and the rest fail with
// engine.ErrInventoryExhausted.
func (r *InventoryRepo) TryHold(ctx context.Context, transactionID string, tierID uint64, quantity uint32) (*model.SeatHold, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var capacity uint64
	err = tx.QueryRowContext(ctx,
		`SELECT capacity FROM ticket_tiers WHERE id = ? FOR UPDATE`, tierID,
	).Scan(&capacity)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var claimed uint64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM seat_holds
		 WHERE tier_id = ? AND status IN ('ACTIVE','COMMITTED')`, tierID,
	).Scan(&claimed)
	if err != nil {
		return nil, err
	}
	// Compare in uint64; a near-max quantity must not wrap past the
	// capacity guard.
	if claimed+uint64(quantity) > capacity {
		return nil, engine.ErrInventoryExhausted
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO seat_holds (transaction_id, tier_id, quantity, status)
		 VALUES (?, ?, ?, 'ACTIVE')`,
		transactionID, tierID, quantity,
	)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true

	return &model.SeatHold{
		ID:            uint64(id),
		TransactionID: transactionID,
		TierID:        tierID,
		Quantity:      quantity,
		Status:        model.HoldActive,
	}, nil
}

// Commit flips all ACTIVE holds of the transaction to COMMITTED. The
// status predicate makes a second call a no-op.
func (r *InventoryRepo) Commit(ctx context.Context, transactionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE seat_holds SET status = 'COMMITTED', updated_at = UTC_TIMESTAMP()
		 WHERE transaction_id = ? AND status = 'ACTIVE'`, transactionID)
	return err
}

// Release flips all ACTIVE holds of the transaction to RELEASED.
// COMMITTED holds are never touched by this path; releasing them
// would break the permanent debit recorded at confirmation.
func (r *InventoryRepo) Release(ctx context.Context, transactionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE seat_holds SET status = 'RELEASED', updated_at = UTC_TIMESTAMP()
		 WHERE transaction_id = ? AND status = 'ACTIVE'`, transactionID)
	return err
}

// HoldsByTransaction returns the transaction's holds ordered by ID.
func (r *InventoryRepo) HoldsByTransaction(ctx context.Context, transactionID string) ([]model.SeatHold, error) {
	const q = `SELECT id, transaction_id, tier_id, quantity, status, created_at, updated_at
	           FROM seat_holds WHERE transaction_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SeatHold
	for rows.Next() {
		var h model.SeatHold
		var status string
		if err := rows.Scan(&h.ID, &h.TransactionID, &h.TierID, &h.Quantity, &status, &h.CreatedAt, &h.UpdatedAt); err != nil {
			return nil, err
		}
		h.Status = model.HoldStatus(status)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ReleaseOrphans releases ACTIVE holds created before the given time
// whose transaction row was never written. Such holds come from a
// reserve interrupted between hold placement and transaction creation;
// the age cutoff keeps in-flight reserves out of the sweep.
func (r *InventoryRepo) ReleaseOrphans(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE seat_holds SET status = 'RELEASED', updated_at = UTC_TIMESTAMP()
		 WHERE status = 'ACTIVE' AND created_at < ?
		   AND transaction_id NOT IN (SELECT id FROM transactions)`,
		before,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Available returns the tier's remaining capacity.
func (r *InventoryRepo) Available(ctx context.Context, tierID uint64) (uint32, error) {
	var capacity, claimed uint32
	err := r.db.QueryRowContext(ctx,
		`SELECT capacity FROM ticket_tiers WHERE id = ?`, tierID,
	).Scan(&capacity)
	if err == sql.ErrNoRows {
		return 0, engine.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	err = r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(quantity), 0) FROM seat_holds
		 WHERE tier_id = ? AND status IN ('ACTIVE','COMMITTED')`, tierID,
	).Scan(&claimed)
	if err != nil {
		return 0, err
	}
	return capacity - claimed, nil
}

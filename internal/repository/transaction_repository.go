// Package repository implements the engine store contracts on MySQL
// via database/sql. Each repository wraps a *sql.DB; methods that
// need multi-statement atomicity open their own transaction and use
// the committed-flag/deferred-rollback pattern. All timestamps are
// stored and compared in UTC, and every state change is a conditional
// UPDATE so the database row itself is the serialization point.
package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// mysqlTime is the DATETIME layout used for parameter formatting.
const mysqlTime = "2006-01-02 15:04:05"

// TransactionRepo provides data access to the transactions and
// ticket_selections tables and implements engine.TransactionStore.
type TransactionRepo struct {
	db *sql.DB
}

// NewTransactionRepo returns a new TransactionRepo bound to the
// provided database.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// DB exposes the underlying handle so callers can coordinate
// transactions spanning several repositories.
func (r *TransactionRepo) DB() *sql.DB { return r.db }

// Create inserts the transaction row and its selection lines within a
// single database transaction.
func (r *TransactionRepo) Create(ctx context.Context, t *model.Transaction) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	const q = `INSERT INTO transactions
	           (id, buyer_id, event_id, points_used, voucher_code, coupon_code,
	            amount_due_cents, state, rollback_state, rollback_attempts,
	            created_at, payment_proof_deadline)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`
	if _, err := tx.ExecContext(ctx, q,
		t.ID, t.BuyerID, t.EventID, t.PointsUsed,
		nullString(t.VoucherCode), nullString(t.CouponCode),
		t.AmountDueCents, string(t.State), string(t.RollbackState),
		t.CreatedAt.UTC().Format(mysqlTime),
		t.PaymentProofDeadline.UTC().Format(mysqlTime),
	); err != nil {
		return err
	}

	if len(t.Selections) > 0 {
		query := `INSERT INTO ticket_selections (transaction_id, position, tier_id, quantity) VALUES `
		args := make([]interface{}, 0, len(t.Selections)*4)
		for i, sel := range t.Selections {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, ?)"
			args = append(args, t.ID, i, sel.TierID, sel.Quantity)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// Get returns a transaction with its selection lines, or
// engine.ErrNotFound when no row exists.
func (r *TransactionRepo) Get(ctx context.Context, id string) (*model.Transaction, error) {
	const q = `SELECT id, buyer_id, event_id, points_used, voucher_code, coupon_code,
	                  amount_due_cents, state, rollback_state, rollback_attempts,
	                  next_rollback_at, proof_ref, proof_submitted_at,
	                  created_at, payment_proof_deadline, admin_response_deadline, terminal_at
	           FROM transactions WHERE id = ?`
	t, err := scanTransaction(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadSelections(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// ListByBuyer returns a buyer's transactions newest first, including
// their selection lines.
func (r *TransactionRepo) ListByBuyer(ctx context.Context, buyerID uint64) ([]model.Transaction, error) {
	const q = `SELECT id, buyer_id, event_id, points_used, voucher_code, coupon_code,
	                  amount_due_cents, state, rollback_state, rollback_attempts,
	                  next_rollback_at, proof_ref, proof_submitted_at,
	                  created_at, payment_proof_deadline, admin_response_deadline, terminal_at
	           FROM transactions WHERE buyer_id = ? ORDER BY created_at DESC`
	return r.list(ctx, q, buyerID)
}

// ListByState returns transactions in the given state oldest first.
func (r *TransactionRepo) ListByState(ctx context.Context, state model.TxState) ([]model.Transaction, error) {
	const q = `SELECT id, buyer_id, event_id, points_used, voucher_code, coupon_code,
	                  amount_due_cents, state, rollback_state, rollback_attempts,
	                  next_rollback_at, proof_ref, proof_submitted_at,
	                  created_at, payment_proof_deadline, admin_response_deadline, terminal_at
	           FROM transactions WHERE state = ? ORDER BY created_at ASC`
	return r.list(ctx, q, string(state))
}

func (r *TransactionRepo) list(ctx context.Context, q string, arg interface{}) ([]model.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, q, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if err := r.loadSelections(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Transition applies a conditional state change: the UPDATE matches
// the row only when its current state equals ch.From, so of several
// racing transitions exactly one reports a row affected. The losers
// receive engine.ErrInvalidTransition (or engine.ErrNotFound when the
// row does not exist at all).
func (r *TransactionRepo) Transition(ctx context.Context, id string, ch engine.StateChange) (*model.Transaction, error) {
	set := []string{"state = ?"}
	args := []interface{}{string(ch.To)}
	if ch.AdminResponseDeadline != nil {
		set = append(set, "admin_response_deadline = ?")
		args = append(args, ch.AdminResponseDeadline.UTC().Format(mysqlTime))
	}
	if ch.ProofRef != "" {
		set = append(set, "proof_ref = ?")
		args = append(args, ch.ProofRef)
	}
	if ch.ProofSubmittedAt != nil {
		set = append(set, "proof_submitted_at = ?")
		args = append(args, ch.ProofSubmittedAt.UTC().Format(mysqlTime))
	}
	if ch.TerminalAt != nil {
		set = append(set, "terminal_at = ?")
		args = append(args, ch.TerminalAt.UTC().Format(mysqlTime))
	}
	if ch.RollbackState != "" {
		set = append(set, "rollback_state = ?")
		args = append(args, string(ch.RollbackState))
	}
	args = append(args, id, string(ch.From))

	q := `UPDATE transactions SET ` + strings.Join(set, ", ") + ` WHERE id = ? AND state = ?`
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a missing row from a lost race.
		var state string
		err := r.db.QueryRowContext(ctx, `SELECT state FROM transactions WHERE id = ?`, id).Scan(&state)
		if err == sql.ErrNoRows {
			return nil, engine.ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return nil, engine.ErrInvalidTransition
	}
	return r.Get(ctx, id)
}

// ListDeadlineExpired returns IDs of rows still in the given state
// whose relevant deadline has passed.
func (r *TransactionRepo) ListDeadlineExpired(ctx context.Context, state model.TxState, now time.Time) ([]string, error) {
	var q string
	switch state {
	case model.StateWaitingForPayment:
		q = `SELECT id FROM transactions WHERE state = ? AND payment_proof_deadline < ?`
	case model.StateWaitingForAdmin:
		q = `SELECT id FROM transactions WHERE state = ? AND admin_response_deadline IS NOT NULL AND admin_response_deadline < ?`
	default:
		return nil, nil
	}
	return r.listIDs(ctx, q, string(state), now.UTC().Format(mysqlTime))
}

// MarkRollback conditionally moves the rollback state; the IN clause
// on the current rollback state makes the claim atomic. A negative
// attempts value leaves the stored counter unchanged.
func (r *TransactionRepo) MarkRollback(ctx context.Context, id string, from []model.RollbackState, to model.RollbackState, attempts int, nextAt time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	placeholders := make([]string, len(from))
	args := []interface{}{string(to)}
	if attempts >= 0 {
		args = append(args, attempts)
	}
	if nextAt.IsZero() {
		args = append(args, nil)
	} else {
		args = append(args, nextAt.UTC().Format(mysqlTime))
	}
	args = append(args, id)
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, string(f))
	}

	set := "rollback_state = ?"
	if attempts >= 0 {
		set += ", rollback_attempts = ?"
	}
	set += ", next_rollback_at = ?"
	q := `UPDATE transactions SET ` + set + ` WHERE id = ? AND rollback_state IN (` + strings.Join(placeholders, ",") + `)`
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRollbackDue returns IDs owed a rollback whose next attempt time
// has passed. IN_PROGRESS rows qualify once their claim lease expires.
func (r *TransactionRepo) ListRollbackDue(ctx context.Context, now time.Time) ([]string, error) {
	const q = `SELECT id FROM transactions
	           WHERE rollback_state IN ('PENDING','FAILED','IN_PROGRESS')
	             AND (next_rollback_at IS NULL OR next_rollback_at <= ?)`
	return r.listIDs(ctx, q, now.UTC().Format(mysqlTime))
}

func (r *TransactionRepo) listIDs(ctx context.Context, q string, args ...interface{}) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *TransactionRepo) loadSelections(ctx context.Context, t *model.Transaction) error {
	const q = `SELECT tier_id, quantity FROM ticket_selections
	           WHERE transaction_id = ? ORDER BY position`
	rows, err := r.db.QueryContext(ctx, q, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var sel model.TicketSelection
		if err := rows.Scan(&sel.TierID, &sel.Quantity); err != nil {
			return err
		}
		t.Selections = append(t.Selections, sel)
	}
	return rows.Err()
}

// rowScanner lets scanTransaction work for both QueryRow and Query.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var t model.Transaction
	var voucher, coupon, proofRef sql.NullString
	var state, rollbackState string
	var nextRollback, proofAt, adminDeadline, terminalAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.BuyerID, &t.EventID, &t.PointsUsed, &voucher, &coupon,
		&t.AmountDueCents, &state, &rollbackState, &t.RollbackAttempts,
		&nextRollback, &proofRef, &proofAt,
		&t.CreatedAt, &t.PaymentProofDeadline, &adminDeadline, &terminalAt,
	)
	if err == sql.ErrNoRows {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.State = model.TxState(state)
	t.RollbackState = model.RollbackState(rollbackState)
	if voucher.Valid {
		t.VoucherCode = voucher.String
	}
	if coupon.Valid {
		t.CouponCode = coupon.String
	}
	if proofRef.Valid {
		t.ProofRef = proofRef.String
	}
	if nextRollback.Valid {
		t.NextRollbackAt = nextRollback.Time.UTC()
	}
	if proofAt.Valid {
		ts := proofAt.Time.UTC()
		t.ProofSubmittedAt = &ts
	}
	if adminDeadline.Valid {
		ts := adminDeadline.Time.UTC()
		t.AdminResponseDeadline = &ts
	}
	if terminalAt.Valid {
		ts := terminalAt.Time.UTC()
		t.TerminalAt = &ts
	}
	return &t, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

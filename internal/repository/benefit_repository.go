package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// BenefitRepo provides data access to point_accounts, vouchers,
// coupons and benefit_redemptions and implements engine.BenefitLedger.
// Point balances are debited when a redemption is held, which is what
// guarantees that a committed debit can never drive a balance
// negative: the conditional UPDATE at hold time already required the
// funds to exist.
type BenefitRepo struct {
	db *sql.DB
}

// NewBenefitRepo returns a new BenefitRepo bound to the provided
// database.
func NewBenefitRepo(db *sql.DB) *BenefitRepo { return &BenefitRepo{db: db} }

// HoldPoints debits the buyer's balance and records a HELD POINTS
// redemption. The balance check and debit happen in one conditional
// UPDATE, so concurrent reserves cannot overdraw the account.
func (r *BenefitRepo) HoldPoints(ctx context.Context, transactionID string, buyerID uint64, amount int64) error {
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

	res, err := tx.ExecContext(ctx,
		`UPDATE point_accounts SET balance = balance - ?
		 WHERE buyer_id = ? AND balance >= ?`,
		amount, buyerID, amount,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.ErrBenefitUnavailable
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO benefit_redemptions (transaction_id, buyer_id, kind, amount, status)
		 VALUES (?, ?, 'POINTS', ?, 'HELD')`,
		transactionID, buyerID, amount,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// HoldVoucher records a HELD VOUCHER redemption and returns the
// voucher's discount value. The SELECT ... FOR UPDATE on the voucher
// row serializes concurrent claims of the same code, so a second
// reserve using the code fails with engine.ErrBenefitUnavailable.
func (r *BenefitRepo) HoldVoucher(ctx context.Context, transactionID string, buyerID uint64, code string) (int64, error) {
	return r.holdCode(ctx, transactionID, buyerID, code, model.BenefitVoucher, "vouchers")
}

// HoldCoupon is the coupon equivalent of HoldVoucher.
func (r *BenefitRepo) HoldCoupon(ctx context.Context, transactionID string, buyerID uint64, code string) (int64, error) {
	return r.holdCode(ctx, transactionID, buyerID, code, model.BenefitCoupon, "coupons")
}

func (r *BenefitRepo) holdCode(ctx context.Context, transactionID string, buyerID uint64, code string, kind model.BenefitKind, table string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var discount int64
	err = tx.QueryRowContext(ctx,
		`SELECT discount_cents FROM `+table+` WHERE code = ? FOR UPDATE`, code,
	).Scan(&discount)
	if err == sql.ErrNoRows {
		return 0, engine.ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	var claimed int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM benefit_redemptions
		 WHERE kind = ? AND code = ? AND status IN ('HELD','COMMITTED')`,
		string(kind), code,
	).Scan(&claimed)
	if err != nil {
		return 0, err
	}
	if claimed > 0 {
		return 0, engine.ErrBenefitUnavailable
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO benefit_redemptions (transaction_id, buyer_id, kind, code, status)
		 VALUES (?, ?, ?, ?, 'HELD')`,
		transactionID, buyerID, string(kind), code,
	); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return discount, nil
}

// Commit flips all HELD redemptions of the transaction to COMMITTED.
// Balances were already debited at hold time, so committing is purely
// a status change and calling it twice is a no-op.
func (r *BenefitRepo) Commit(ctx context.Context, transactionID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE benefit_redemptions SET status = 'COMMITTED', updated_at = UTC_TIMESTAMP()
		 WHERE transaction_id = ? AND status = 'HELD'`, transactionID)
	return err
}

// Release flips all HELD redemptions of the transaction to RELEASED
// and credits point debits back. The credit and the status flip
// happen in one database transaction keyed on the HELD status, so a
// retry after a crash cannot double-credit.
func (r *BenefitRepo) Release(ctx context.Context, transactionID string) error {
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

	rows, err := tx.QueryContext(ctx,
		`SELECT buyer_id, amount FROM benefit_redemptions
		 WHERE transaction_id = ? AND kind = 'POINTS' AND status = 'HELD' FOR UPDATE`,
		transactionID,
	)
	if err != nil {
		return err
	}
	type credit struct {
		buyerID uint64
		amount  int64
	}
	var credits []credit
	for rows.Next() {
		var c credit
		if scanErr := rows.Scan(&c.buyerID, &c.amount); scanErr != nil {
			rows.Close()
			return scanErr
		}
		credits = append(credits, c)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, c := range credits {
		if _, err := tx.ExecContext(ctx,
			`UPDATE point_accounts SET balance = balance + ? WHERE buyer_id = ?`,
			c.amount, c.buyerID,
		); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE benefit_redemptions SET status = 'RELEASED', updated_at = UTC_TIMESTAMP()
		 WHERE transaction_id = ? AND status = 'HELD'`, transactionID,
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ReleaseOrphans releases HELD redemptions created before the given
// time whose transaction row was never written, crediting point
// debits back. The inventory counterpart handles the seat side of the
// same interrupted reserves.
func (r *BenefitRepo) ReleaseOrphans(ctx context.Context, before time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, buyer_id, kind, amount FROM benefit_redemptions
		 WHERE status = 'HELD' AND created_at < ?
		   AND transaction_id NOT IN (SELECT id FROM transactions)
		 FOR UPDATE`,
		before,
	)
	if err != nil {
		return 0, err
	}
	type orphan struct {
		id      uint64
		buyerID uint64
		kind    string
		amount  sql.NullInt64
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		if scanErr := rows.Scan(&o.id, &o.buyerID, &o.kind, &o.amount); scanErr != nil {
			rows.Close()
			return 0, scanErr
		}
		orphans = append(orphans, o)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		committed = true
		return 0, nil
	}

	for _, o := range orphans {
		if o.kind != string(model.BenefitPoints) || !o.amount.Valid {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE point_accounts SET balance = balance + ? WHERE buyer_id = ?`,
			o.amount.Int64, o.buyerID,
		); err != nil {
			return 0, err
		}
	}
	for _, o := range orphans {
		if _, err := tx.ExecContext(ctx,
			`UPDATE benefit_redemptions SET status = 'RELEASED', updated_at = UTC_TIMESTAMP()
			 WHERE id = ? AND status = 'HELD'`, o.id,
		); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return len(orphans), nil
}

// RedemptionsByTransaction returns the transaction's redemptions
// ordered by ID.
func (r *BenefitRepo) RedemptionsByTransaction(ctx context.Context, transactionID string) ([]model.BenefitRedemption, error) {
	const q = `SELECT id, transaction_id, buyer_id, kind, amount, code, status, created_at, updated_at
	           FROM benefit_redemptions WHERE transaction_id = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, q, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.BenefitRedemption
	for rows.Next() {
		var b model.BenefitRedemption
		var kind, status string
		var amount sql.NullInt64
		var code sql.NullString
		if err := rows.Scan(&b.ID, &b.TransactionID, &b.BuyerID, &kind, &amount, &code, &status, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		b.Kind = model.BenefitKind(kind)
		b.Status = model.RedemptionStatus(status)
		if amount.Valid {
			b.Amount = amount.Int64
		}
		if code.Valid {
			b.Code = code.String
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PointsBalance returns the buyer's current point balance. A missing
// account reads as zero.
func (r *BenefitRepo) PointsBalance(ctx context.Context, buyerID uint64) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx,
		`SELECT balance FROM point_accounts WHERE buyer_id = ?`, buyerID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

package engine

import (
	"context"
	"time"

	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// StateChange describes one conditional transition of a transaction.
// The store applies it only when the row's current state equals From;
// otherwise the update is rejected with ErrInvalidTransition. That
// conditional write is the sole serialization point for a transaction:
// when several transitions race, exactly one observes From and wins.
type StateChange struct {
	From model.TxState
	To   model.TxState

	// Optional field updates applied together with the state change.
	AdminResponseDeadline *time.Time
	ProofRef              string
	ProofSubmittedAt      *time.Time
	TerminalAt            *time.Time
	RollbackState         model.RollbackState // empty means leave unchanged
}

// TransactionStore is the durable record of transactions. Implemented
// by the MySQL repository in production and by the in-memory store in
// tests and development.
type TransactionStore interface {
	// Create persists a new transaction. The ID must be unique.
	Create(ctx context.Context, tx *model.Transaction) error

	// Get returns a transaction by ID or ErrNotFound.
	Get(ctx context.Context, id string) (*model.Transaction, error)

	// ListByBuyer returns a buyer's transactions, newest first.
	ListByBuyer(ctx context.Context, buyerID uint64) ([]model.Transaction, error)

	// ListByState returns transactions currently in the given state,
	// oldest first. Used by the admin queue listing.
	ListByState(ctx context.Context, state model.TxState) ([]model.Transaction, error)

	// Transition applies a conditional state change and returns the
	// updated transaction. It fails with ErrNotFound when the row does
	// not exist and ErrInvalidTransition when the current state does
	// not match ch.From.
	Transition(ctx context.Context, id string, ch StateChange) (*model.Transaction, error)

	// ListDeadlineExpired returns IDs of transactions still in the
	// given state whose relevant deadline (payment proof deadline for
	// WAITING_FOR_PAYMENT, admin response deadline for
	// WAITING_FOR_ADMIN_CONFIRMATION) has passed.
	ListDeadlineExpired(ctx context.Context, state model.TxState, now time.Time) ([]string, error)

	// MarkRollback conditionally moves the rollback state. The update
	// applies only when the current rollback state is one of from;
	// it reports whether the caller won the update. Attempts and
	// nextAt are written together with the new state; a negative
	// attempts value leaves the stored counter unchanged.
	MarkRollback(ctx context.Context, id string, from []model.RollbackState, to model.RollbackState, attempts int, nextAt time.Time) (bool, error)

	// ListRollbackDue returns IDs whose rollback state is PENDING,
	// FAILED or IN_PROGRESS and whose next attempt time has passed.
	// IN_PROGRESS rows appear here only after their claim lease
	// expires, which covers rollbacks interrupted by a crash.
	ListRollbackDue(ctx context.Context, now time.Time) ([]string, error)
}

// InventoryLedger tracks per-tier seat capacity and the holds placed
// against it. All mutation paths are idempotent per transaction.
type InventoryLedger interface {
	// TryHold atomically checks remaining capacity and inserts an
	// ACTIVE hold. It must be race-free under concurrent callers for
	// the same tier and fails with ErrInventoryExhausted when fewer
	// than quantity seats remain, ErrNotFound for an unknown tier.
	TryHold(ctx context.Context, transactionID string, tierID uint64, quantity uint32) (*model.SeatHold, error)

	// Commit flips all ACTIVE holds of the transaction to COMMITTED.
	// Calling it twice is a no-op.
	Commit(ctx context.Context, transactionID string) error

	// Release flips all ACTIVE holds of the transaction to RELEASED,
	// returning their quantity to available capacity. Holds already
	// RELEASED or COMMITTED are left untouched.
	Release(ctx context.Context, transactionID string) error

	// HoldsByTransaction returns the transaction's holds.
	HoldsByTransaction(ctx context.Context, transactionID string) ([]model.SeatHold, error)

	// Available returns the tier's remaining capacity.
	Available(ctx context.Context, tierID uint64) (uint32, error)

	// ReleaseOrphans flips ACTIVE holds created before the given time
	// whose transaction row does not exist to RELEASED and reports how
	// many were released. Such rows can only come from a reserve that
	// was interrupted between hold placement and transaction creation;
	// without this sweep their capacity would be lost forever.
	ReleaseOrphans(ctx context.Context, before time.Time) (int, error)
}

// BenefitLedger tracks point balances and voucher/coupon redemption
// state. Point debits happen at hold time so that a held redemption
// can never overdraw the balance; release credits the debit back.
type BenefitLedger interface {
	// HoldPoints debits the buyer's balance and records a HELD POINTS
	// redemption. Fails with ErrBenefitUnavailable when the balance is
	// insufficient.
	HoldPoints(ctx context.Context, transactionID string, buyerID uint64, amount int64) error

	// HoldVoucher records a HELD VOUCHER redemption for the code and
	// returns the voucher's discount value. Fails with
	// ErrBenefitUnavailable when another transaction holds or has
	// committed the code, ErrNotFound for an unknown code.
	HoldVoucher(ctx context.Context, transactionID string, buyerID uint64, code string) (int64, error)

	// HoldCoupon is the coupon equivalent of HoldVoucher.
	HoldCoupon(ctx context.Context, transactionID string, buyerID uint64, code string) (int64, error)

	// Commit flips all HELD redemptions of the transaction to
	// COMMITTED. Calling it twice is a no-op.
	Commit(ctx context.Context, transactionID string) error

	// Release flips all HELD redemptions to RELEASED, crediting point
	// debits back and freeing voucher/coupon codes. Redemptions
	// already RELEASED or COMMITTED are left untouched.
	Release(ctx context.Context, transactionID string) error

	// RedemptionsByTransaction returns the transaction's redemptions.
	RedemptionsByTransaction(ctx context.Context, transactionID string) ([]model.BenefitRedemption, error)

	// PointsBalance returns the buyer's current point balance.
	PointsBalance(ctx context.Context, buyerID uint64) (int64, error)

	// ReleaseOrphans flips HELD redemptions created before the given
	// time whose transaction row does not exist to RELEASED, crediting
	// point debits back, and reports how many were released. The
	// counterpart of InventoryLedger.ReleaseOrphans for interrupted
	// reserves.
	ReleaseOrphans(ctx context.Context, before time.Time) (int, error)
}

// TierCatalog resolves ticket tiers for validation and pricing.
type TierCatalog interface {
	// Tier returns a tier by ID or ErrNotFound.
	Tier(ctx context.Context, tierID uint64) (*model.TicketTier, error)

	// TiersByEvent returns all tiers of an event.
	TiersByEvent(ctx context.Context, eventID uint64) ([]model.TicketTier, error)
}

// EventSink receives lifecycle notifications. Publishing is
// best-effort: implementations log failures and never block the
// transaction flow. A nil sink is replaced by a no-op.
type EventSink interface {
	// TransactionTerminal is invoked once per transaction when it
	// reaches a terminal state.
	TransactionTerminal(ctx context.Context, tx *model.Transaction)

	// RollbackAlert is invoked when a rollback has failed at least the
	// configured number of attempts and needs operator attention.
	RollbackAlert(ctx context.Context, tx *model.Transaction, attempts int, lastErr error)
}

type noopSink struct{}

func (noopSink) TransactionTerminal(context.Context, *model.Transaction) {}
func (noopSink) RollbackAlert(context.Context, *model.Transaction, int, error) {}

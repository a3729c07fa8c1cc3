package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// Config carries the tunable constants of the lifecycle engine. All
// values come from environment configuration; none are hard-coded in
// transition logic.
type Config struct {
	ProofTTL        time.Duration // payment proof must arrive within this window
	AdminTTL        time.Duration // admin must decide within this window
	ServiceFeeCents int64         // fixed fee added to every transaction
}

// Engine is the transaction state machine. It owns every legal
// transition and its side effects on the inventory and benefit
// ledgers. All transition methods are safe to call concurrently for
// the same transaction: the store's conditional update guarantees a
// single winner and late callers receive ErrInvalidTransition.
type Engine struct {
	store     TransactionStore
	inventory InventoryLedger
	benefits  BenefitLedger
	tiers     TierCatalog
	sink      EventSink
	cfg       Config

	rollbacks *Orchestrator    // optional; woken when a rollback is enqueued
	now       func() time.Time // injectable clock for tests
}

// New constructs an Engine. The sink may be nil, in which case
// lifecycle notifications are dropped.
func New(store TransactionStore, inventory InventoryLedger, benefits BenefitLedger, tiers TierCatalog, sink EventSink, cfg Config) *Engine {
	if store == nil || inventory == nil || benefits == nil || tiers == nil {
		panic("nil dependency passed to engine.New")
	}
	if sink == nil {
		sink = noopSink{}
	}
	return &Engine{
		store:     store,
		inventory: inventory,
		benefits:  benefits,
		tiers:     tiers,
		sink:      sink,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetOrchestrator wires the rollback orchestrator so that enqueued
// rollbacks are picked up immediately instead of waiting for the next
// sweep. The sweep remains the completeness guarantee either way.
func (e *Engine) SetOrchestrator(o *Orchestrator) { e.rollbacks = o }

// SetClock overrides the engine's notion of now. Tests use this to
// move time past deadlines without sleeping.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// newTransactionID generates an opaque 32 character hex identifier.
func newTransactionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ReserveRequest is the input of Reserve. Selections must name tiers
// of the given event; duplicate tier lines are merged so that one
// hold row exists per (transaction, tier) pair.
type ReserveRequest struct {
	BuyerID     uint64
	EventID     uint64
	Selections  []model.TicketSelection
	PointsUsed  int64
	VoucherCode string
	CouponCode  string
}

// Reserve validates tier availability and benefit eligibility and, on
// success, creates the transaction in WAITING_FOR_PAYMENT together
// with one ACTIVE hold per tier and one HELD redemption per benefit.
// The step is all-or-nothing: when any hold fails, every hold placed
// so far is released before the error is returned, so a failed
// reserve leaves no trace in either ledger.
func (e *Engine) Reserve(ctx context.Context, req ReserveRequest) (*model.Transaction, error) {
	if len(req.Selections) == 0 {
		return nil, ErrInvalidTransition
	}
	if req.PointsUsed < 0 {
		return nil, ErrBenefitUnavailable
	}

	// Merge duplicate tier lines while preserving first-seen order.
	// Quantities accumulate in uint64 so absurd line values cannot wrap
	// the uint32 field and slip past the capacity guard.
	order := make([]uint64, 0, len(req.Selections))
	want := make(map[uint64]uint64, len(req.Selections))
	for _, sel := range req.Selections {
		if sel.Quantity == 0 {
			continue
		}
		if _, ok := want[sel.TierID]; !ok {
			order = append(order, sel.TierID)
		}
		want[sel.TierID] += uint64(sel.Quantity)
	}
	if len(order) == 0 {
		return nil, ErrInvalidTransition
	}

	// Price the selections and verify each tier belongs to the event.
	// A request for more seats than the tier has ever had cannot
	// succeed, so it is rejected before any hold is placed.
	var subtotal int64
	merged := make([]model.TicketSelection, 0, len(order))
	for _, tierID := range order {
		tier, err := e.tiers.Tier(ctx, tierID)
		if err != nil {
			return nil, err
		}
		if tier.EventID != req.EventID {
			return nil, ErrNotFound
		}
		qty := want[tierID]
		if qty > uint64(tier.Capacity) {
			return nil, ErrInventoryExhausted
		}
		merged = append(merged, model.TicketSelection{TierID: tierID, Quantity: uint32(qty)})
		subtotal += tier.PriceCents * int64(qty)
	}

	id, err := newTransactionID()
	if err != nil {
		return nil, err
	}

	// Place inventory holds one tier at a time. The ledger serializes
	// per tier, so concurrent reserves for the last seats see exactly
	// one winner. On failure, release undoes the holds already placed.
	held := false
	defer func() {
		if held {
			if err := e.inventory.Release(ctx, id); err != nil {
				log.Printf("reserve: release holds for %s failed: %v", id, err)
			}
			if err := e.benefits.Release(ctx, id); err != nil {
				log.Printf("reserve: release benefits for %s failed: %v", id, err)
			}
		}
	}()
	for _, sel := range merged {
		if _, err := e.inventory.TryHold(ctx, id, sel.TierID, sel.Quantity); err != nil {
			return nil, err
		}
		held = true
	}

	// Hold benefits. Point debits happen here so the balance can never
	// be overdrawn later at commit time.
	var discount int64
	if req.PointsUsed > 0 {
		if err := e.benefits.HoldPoints(ctx, id, req.BuyerID, req.PointsUsed); err != nil {
			return nil, err
		}
		discount += req.PointsUsed
	}
	if req.VoucherCode != "" {
		d, err := e.benefits.HoldVoucher(ctx, id, req.BuyerID, req.VoucherCode)
		if err != nil {
			return nil, err
		}
		discount += d
	}
	if req.CouponCode != "" {
		d, err := e.benefits.HoldCoupon(ctx, id, req.BuyerID, req.CouponCode)
		if err != nil {
			return nil, err
		}
		discount += d
	}

	amountDue := subtotal - discount + e.cfg.ServiceFeeCents
	if amountDue < 0 {
		amountDue = 0
	}

	now := e.now()
	tx := &model.Transaction{
		ID:                   id,
		BuyerID:              req.BuyerID,
		EventID:              req.EventID,
		Selections:           merged,
		PointsUsed:           req.PointsUsed,
		VoucherCode:          req.VoucherCode,
		CouponCode:           req.CouponCode,
		AmountDueCents:       amountDue,
		State:                model.StateWaitingForPayment,
		RollbackState:        model.RollbackNone,
		CreatedAt:            now,
		PaymentProofDeadline: now.Add(e.cfg.ProofTTL),
	}
	if err := e.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	held = false
	return tx, nil
}

// SubmitProof records the payment proof reference and moves the
// transaction to WAITING_FOR_ADMIN_CONFIRMATION, starting the admin
// response window. Legal only from WAITING_FOR_PAYMENT and only
// before the payment proof deadline; a late call returns
// ErrDeadlineExceeded so the caller observes the automatic expiry.
func (e *Engine) SubmitProof(ctx context.Context, id string, buyerID uint64, proofRef string) (*model.Transaction, error) {
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	if tx.State != model.StateWaitingForPayment {
		return nil, ErrInvalidTransition
	}
	now := e.now()
	if now.After(tx.PaymentProofDeadline) {
		return nil, ErrDeadlineExceeded
	}
	adminDeadline := now.Add(e.cfg.AdminTTL)
	return e.store.Transition(ctx, id, StateChange{
		From:                  model.StateWaitingForPayment,
		To:                    model.StateWaitingForAdmin,
		AdminResponseDeadline: &adminDeadline,
		ProofRef:              proofRef,
		ProofSubmittedAt:      &now,
	})
}

// Confirm is the admin approval. Legal only from
// WAITING_FOR_ADMIN_CONFIRMATION; the winner of the conditional
// update converts every ACTIVE hold and HELD redemption to COMMITTED.
// No rollback is ever triggered on this path. Confirm is idempotent
// once the transaction is DONE: a retry after a crash or ledger error
// between the transition and the commits re-drives the commits, which
// are themselves idempotent, instead of stranding ACTIVE holds under
// a DONE row.
func (e *Engine) Confirm(ctx context.Context, id string) (*model.Transaction, error) {
	now := e.now()
	tx, err := e.store.Transition(ctx, id, StateChange{
		From:          model.StateWaitingForAdmin,
		To:            model.StateDone,
		TerminalAt:    &now,
		RollbackState: model.RollbackNone,
	})
	if err != nil {
		if !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		cur, getErr := e.store.Get(ctx, id)
		if getErr != nil || cur.State != model.StateDone {
			return nil, err
		}
		// An earlier confirm won the transition but may have died
		// before finishing the ledger commits.
		if err := e.commitLedgers(ctx, id); err != nil {
			return nil, err
		}
		return cur, nil
	}
	if err := e.commitLedgers(ctx, id); err != nil {
		return nil, err
	}
	e.sink.TransactionTerminal(ctx, tx)
	return tx, nil
}

func (e *Engine) commitLedgers(ctx context.Context, id string) error {
	if err := e.inventory.Commit(ctx, id); err != nil {
		return err
	}
	return e.benefits.Commit(ctx, id)
}

// Reject is the admin refusal. Legal only from
// WAITING_FOR_ADMIN_CONFIRMATION. The transaction becomes REJECTED
// and is enqueued for the rollback orchestrator.
func (e *Engine) Reject(ctx context.Context, id string) (*model.Transaction, error) {
	return e.terminate(ctx, id, model.StateWaitingForAdmin, model.StateRejected)
}

// Cancel is the buyer-initiated abort. Legal only from
// WAITING_FOR_PAYMENT and only for the owning buyer.
func (e *Engine) Cancel(ctx context.Context, id string, buyerID uint64) (*model.Transaction, error) {
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	return e.terminate(ctx, id, model.StateWaitingForPayment, model.StateCanceled)
}

// Expire is the automatic transition fired by the deadline scheduler
// when the payment proof deadline elapses in WAITING_FOR_PAYMENT.
func (e *Engine) Expire(ctx context.Context, id string) (*model.Transaction, error) {
	return e.terminate(ctx, id, model.StateWaitingForPayment, model.StateExpired)
}

// AdminTimeout is the automatic transition fired when the admin
// response deadline elapses in WAITING_FOR_ADMIN_CONFIRMATION. The
// admin-silence outcome is CANCELED, same as a buyer cancellation.
func (e *Engine) AdminTimeout(ctx context.Context, id string) (*model.Transaction, error) {
	return e.terminate(ctx, id, model.StateWaitingForAdmin, model.StateCanceled)
}

// terminate applies a non-success terminal transition, marks the
// rollback PENDING and wakes the orchestrator. Whichever of a racing
// sweep or caller wins the conditional update determines the outcome;
// the loser gets ErrInvalidTransition and applies nothing.
func (e *Engine) terminate(ctx context.Context, id string, from, to model.TxState) (*model.Transaction, error) {
	now := e.now()
	tx, err := e.store.Transition(ctx, id, StateChange{
		From:          from,
		To:            to,
		TerminalAt:    &now,
		RollbackState: model.RollbackPending,
	})
	if err != nil {
		return nil, err
	}
	e.sink.TransactionTerminal(ctx, tx)
	if e.rollbacks != nil {
		e.rollbacks.Wake()
	}
	return tx, nil
}

// Get returns a transaction for status polling, restricted to its
// buyer unless asOrganizer is set.
func (e *Engine) Get(ctx context.Context, id string, buyerID uint64, asOrganizer bool) (*model.Transaction, error) {
	tx, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !asOrganizer && tx.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	return tx, nil
}

// ListByBuyer returns the buyer's transactions, newest first.
func (e *Engine) ListByBuyer(ctx context.Context, buyerID uint64) ([]model.Transaction, error) {
	return e.store.ListByBuyer(ctx, buyerID)
}

// ListAwaitingDecision returns transactions waiting on an admin,
// oldest first, for the organizer queue.
func (e *Engine) ListAwaitingDecision(ctx context.Context) ([]model.Transaction, error) {
	return e.store.ListByState(ctx, model.StateWaitingForAdmin)
}

// Holds exposes a transaction's seat holds for the detail view.
func (e *Engine) Holds(ctx context.Context, id string) ([]model.SeatHold, error) {
	return e.inventory.HoldsByTransaction(ctx, id)
}

// Redemptions exposes a transaction's benefit redemptions for the
// detail view.
func (e *Engine) Redemptions(ctx context.Context, id string) ([]model.BenefitRedemption, error) {
	return e.benefits.RedemptionsByTransaction(ctx, id)
}

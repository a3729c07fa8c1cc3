package model

import "time"

// TxState enumerates the lifecycle states of a purchase transaction.
// WAITING_FOR_PAYMENT and WAITING_FOR_ADMIN_CONFIRMATION are the two
// live states; DONE, REJECTED, EXPIRED and CANCELED are terminal and
// no further transition is legal once one of them is recorded.
type TxState string

const (
	StateWaitingForPayment  TxState = "WAITING_FOR_PAYMENT"
	StateWaitingForAdmin    TxState = "WAITING_FOR_ADMIN_CONFIRMATION"
	StateDone               TxState = "DONE"
	StateRejected           TxState = "REJECTED"
	StateExpired            TxState = "EXPIRED"
	StateCanceled           TxState = "CANCELED"
)

// Terminal reports whether the state admits no further transition.
func (s TxState) Terminal() bool {
	switch s {
	case StateDone, StateRejected, StateExpired, StateCanceled:
		return true
	}
	return false
}

// RollbackState tracks the progress of compensating actions for a
// transaction that ended in a non-success terminal state.  NONE means
// no rollback is owed (live transactions and DONE).  PENDING marks a
// transaction enqueued for the orchestrator, IN_PROGRESS one being
// compensated right now, COMPLETE a fully compensated one and FAILED
// one whose last attempt could not finish and awaits a retry sweep.
type RollbackState string

const (
	RollbackNone       RollbackState = "NONE"
	RollbackPending    RollbackState = "PENDING"
	RollbackInProgress RollbackState = "IN_PROGRESS"
	RollbackComplete   RollbackState = "COMPLETE"
	RollbackFailed     RollbackState = "FAILED"
)

// TicketSelection is one line of a purchase: a quantity of seats in a
// single ticket tier.  A transaction carries an ordered list of these.
type TicketSelection struct {
	TierID   uint64 `json:"tier_id"`
	Quantity uint32 `json:"quantity"`
}

// Transaction records one ticket purchase attempt.  It is created by
// the reservation operation, mutated only through the state machine
// and the rollback orchestrator, and never deleted: terminal rows are
// retained for audit.
//
// Fields:
//  ID                    – opaque identifier, stable for the lifetime.
//  BuyerID               – user who initiated the purchase.
//  EventID               – event the tickets belong to.
//  Selections            – ordered tier/quantity lines.
//  PointsUsed            – loyalty points redeemed against the price.
//  VoucherCode           – voucher redeemed, if any.
//  CouponCode            – coupon redeemed, if any.
//  AmountDueCents        – computed total after discounts plus fee.
//  State                 – current lifecycle state.
//  RollbackState         – compensation progress for non-success ends.
//  RollbackAttempts      – completed rollback attempts so far.
//  NextRollbackAt        – earliest time the retry sweep may run again.
//  ProofRef              – external reference of the uploaded proof.
//  ProofSubmittedAt      – when the proof was recorded.
//  CreatedAt             – creation timestamp.
//  PaymentProofDeadline  – proof must arrive before this instant.
//  AdminResponseDeadline – admin must decide before this instant.
//  TerminalAt            – set when the state becomes terminal.
type Transaction struct {
	ID                    string            `json:"id"`
	BuyerID               uint64            `json:"buyer_id"`
	EventID               uint64            `json:"event_id"`
	Selections            []TicketSelection `json:"ticket_selections"`
	PointsUsed            int64             `json:"points_used"`
	VoucherCode           string            `json:"voucher_code,omitempty"`
	CouponCode            string            `json:"coupon_code,omitempty"`
	AmountDueCents        int64             `json:"amount_due_cents"`
	State                 TxState           `json:"state"`
	RollbackState         RollbackState     `json:"rollback_state"`
	RollbackAttempts      int               `json:"-"`
	NextRollbackAt        time.Time         `json:"-"`
	ProofRef              string            `json:"proof_ref,omitempty"`
	ProofSubmittedAt      *time.Time        `json:"proof_submitted_at,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	PaymentProofDeadline  time.Time         `json:"payment_proof_deadline"`
	AdminResponseDeadline *time.Time        `json:"admin_response_deadline,omitempty"`
	TerminalAt            *time.Time        `json:"terminal_at,omitempty"`
}

// Package engine implements the transaction lifecycle: the state
// machine that moves a purchase through its states, the deadline
// scheduler that fires time-based transitions and the rollback
// orchestrator that compensates non-success outcomes. These sentinel
// values allow the HTTP layer to distinguish between different
// failure scenarios. For example, ErrInvalidTransition indicates
// that an operation is not legal from the transaction's current
// state, while ErrInventoryExhausted signals that a tier does not
// have enough remaining capacity.
package engine

import "errors"

// ErrInventoryExhausted is returned by reserve when a requested tier
// does not have enough remaining capacity. Handlers should translate
// this into an HTTP 409 response.
var ErrInventoryExhausted = errors.New("inventory exhausted")

// ErrBenefitUnavailable is returned by reserve when the buyer's point
// balance is insufficient or a voucher/coupon code is already held or
// committed by another transaction. Handlers should translate this
// into an HTTP 409 response.
var ErrBenefitUnavailable = errors.New("benefit unavailable")

// ErrInvalidTransition is returned when an operation is not legal from
// the transaction's current state. This covers double submissions and
// any call that lost a race against another transition. Handlers
// should translate this into an HTTP 409 response.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrDeadlineExceeded is returned when payment proof is submitted
// after the payment proof deadline. The caller should observe the
// automatic expiry instead of retrying.
var ErrDeadlineExceeded = errors.New("deadline exceeded")

// ErrRollbackFailed is returned when a compensation step could not
// complete. It is never surfaced to buyers; the retry sweep owns it.
var ErrRollbackFailed = errors.New("rollback failed")

// ErrNotFound is returned when a referenced transaction, tier or
// benefit code does not exist. Handlers should translate this into
// an HTTP 404 response.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the caller attempts an operation on a
// transaction they do not own. Handlers should translate this into an
// HTTP 403 response.
var ErrForbidden = errors.New("forbidden")

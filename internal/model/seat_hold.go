package model

import "time"

// HoldStatus is the status of a seat hold.  ACTIVE holds count against
// tier capacity and are reversible.  COMMITTED holds are permanent
// debits created when a transaction completes.  RELEASED holds have
// returned their quantity to the available pool.
type HoldStatus string

const (
	HoldActive    HoldStatus = "ACTIVE"
	HoldReleased  HoldStatus = "RELEASED"
	HoldCommitted HoldStatus = "COMMITTED"
)

// SeatHold reserves a quantity of seats in one ticket tier on behalf
// of a transaction.  One row exists per (transaction, tier) pair; the
// inventory ledger owns these rows exclusively.  The capacity
// invariant is that the sum of ACTIVE and COMMITTED quantities never
// exceeds the tier capacity.
//
// Fields:
//  ID            – primary key identifier.
//  TransactionID – transaction the hold belongs to.
//  TierID        – ticket tier being held.
//  Quantity      – number of seats held.
//  Status        – ACTIVE, RELEASED or COMMITTED.
//  CreatedAt     – creation timestamp.
//  UpdatedAt     – last status change.
type SeatHold struct {
	ID            uint64     `json:"id"`
	TransactionID string     `json:"transaction_id"`
	TierID        uint64     `json:"tier_id"`
	Quantity      uint32     `json:"quantity"`
	Status        HoldStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

package model

import "time"

// BenefitKind distinguishes the three benefit types a buyer can apply
// against a purchase: loyalty points, a voucher code or a coupon code.
type BenefitKind string

const (
	BenefitPoints  BenefitKind = "POINTS"
	BenefitVoucher BenefitKind = "VOUCHER"
	BenefitCoupon  BenefitKind = "COUPON"
)

// RedemptionStatus is the status of a benefit redemption.  HELD means
// the benefit is provisionally consumed and reversible, COMMITTED that
// the debit is permanent, RELEASED that the benefit was credited back.
type RedemptionStatus string

const (
	RedemptionHeld      RedemptionStatus = "HELD"
	RedemptionCommitted RedemptionStatus = "COMMITTED"
	RedemptionReleased  RedemptionStatus = "RELEASED"
)

// BenefitRedemption records that a transaction consumed a benefit.
// The benefit ledger owns these rows exclusively.  For POINTS the
// Amount field carries the point count; for VOUCHER and COUPON the
// Code field carries the redeemed code.  A voucher or coupon code may
// be HELD or COMMITTED by at most one transaction at a time, and a
// committed points debit never drives the buyer's balance negative.
//
// Fields:
//  ID            – primary key identifier.
//  TransactionID – transaction that consumed the benefit.
//  BuyerID       – owner of the benefit (points account holder).
//  Kind          – POINTS, VOUCHER or COUPON.
//  Amount        – point count (POINTS only).
//  Code          – voucher/coupon code (VOUCHER/COUPON only).
//  Status        – HELD, COMMITTED or RELEASED.
//  CreatedAt     – creation timestamp.
//  UpdatedAt     – last status change.
type BenefitRedemption struct {
	ID            uint64           `json:"id"`
	TransactionID string           `json:"transaction_id"`
	BuyerID       uint64           `json:"buyer_id"`
	Kind          BenefitKind      `json:"kind"`
	Amount        int64            `json:"amount,omitempty"`
	Code          string           `json:"code,omitempty"`
	Status        RedemptionStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

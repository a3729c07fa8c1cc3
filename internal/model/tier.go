package model

// TicketTier is one price class of an event with a fixed seat
// capacity.  Available capacity is always derived from the tier
// capacity minus the ACTIVE and COMMITTED hold quantities; there is
// no separate counter that could drift out of sync.
//
// Fields:
//  ID         – primary key identifier.
//  EventID    – event the tier belongs to.
//  Name       – display name (e.g. "VIP", "Festival").
//  PriceCents – price per seat in cents.
//  Capacity   – total number of seats in the tier.
type TicketTier struct {
	ID         uint64 `json:"id"`
	EventID    uint64 `json:"event_id"`
	Name       string `json:"name"`
	PriceCents int64  `json:"price_cents"`
	Capacity   uint32 `json:"capacity"`
}

// PointAccount tracks a buyer's loyalty point balance.  Balances are
// debited the moment a redemption is held, so a held redemption can
// never overdraw the account.  Releasing a held redemption credits the
// debit back; committing one merely makes it permanent.
type PointAccount struct {
	BuyerID uint64 `json:"buyer_id"`
	Balance int64  `json:"balance"`
}

// Voucher is a single-use discount code with a fixed value.  A voucher
// is consumable only while no other transaction holds or has committed
// it; that exclusivity is enforced by the benefit ledger, not by a
// flag on this row.
type Voucher struct {
	Code          string `json:"code"`
	DiscountCents int64  `json:"discount_cents"`
}

// Coupon is a discount code that, like a voucher, may be held or
// committed by at most one transaction at a time.
type Coupon struct {
	Code          string `json:"code"`
	DiscountCents int64  `json:"discount_cents"`
}

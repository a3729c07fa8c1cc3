// Package memory provides an in-memory implementation of the engine
// store contracts. It backs the engine tests and the local dev mode;
// production runs on the MySQL repositories. A single mutex guards
// all state, which makes every conditional update atomic the same way
// the SQL layer's conditional writes do.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// Store holds every entity the engine touches: transactions, seat
// holds, benefit redemptions, ticket tiers, point accounts and
// voucher/coupon codes. It implements engine.TransactionStore,
// engine.InventoryLedger, engine.BenefitLedger and engine.TierCatalog.
type Store struct {
	mu sync.Mutex

	txs     map[string]*model.Transaction
	txOrder []string

	holds       []*model.SeatHold
	redemptions []*model.BenefitRedemption

	tiers    map[uint64]*model.TicketTier
	points   map[uint64]int64
	vouchers map[string]*model.Voucher
	coupons  map[string]*model.Coupon

	nextHoldID       uint64
	nextRedemptionID uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		txs:      make(map[string]*model.Transaction),
		tiers:    make(map[uint64]*model.TicketTier),
		points:   make(map[uint64]int64),
		vouchers: make(map[string]*model.Voucher),
		coupons:  make(map[string]*model.Coupon),
	}
}

// ---------------------------------------------------------------------------
// Seeding helpers (dev mode and tests)
// ---------------------------------------------------------------------------

// AddTier registers a ticket tier.
func (s *Store) AddTier(t model.TicketTier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tiers[t.ID] = &cp
}

// SetPoints sets a buyer's point balance.
func (s *Store) SetPoints(buyerID uint64, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[buyerID] = balance
}

// AddVoucher registers a voucher code.
func (s *Store) AddVoucher(v model.Voucher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := v
	s.vouchers[v.Code] = &cp
}

// AddCoupon registers a coupon code.
func (s *Store) AddCoupon(c model.Coupon) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.coupons[c.Code] = &cp
}

// ---------------------------------------------------------------------------
// engine.TransactionStore
// ---------------------------------------------------------------------------

func (s *Store) Create(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return engine.ErrInvalidTransition
	}
	cp := copyTx(tx)
	s.txs[tx.ID] = cp
	s.txOrder = append(s.txOrder, tx.ID)
	return nil
}

func (s *Store) Get(_ context.Context, id string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	return copyTx(tx), nil
}

func (s *Store) ListByBuyer(_ context.Context, buyerID uint64) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transaction
	// txOrder is creation order; walk backwards for newest first.
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tx := s.txs[s.txOrder[i]]
		if tx.BuyerID == buyerID {
			out = append(out, *copyTx(tx))
		}
	}
	return out, nil
}

func (s *Store) ListByState(_ context.Context, state model.TxState) ([]model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Transaction
	for _, id := range s.txOrder {
		tx := s.txs[id]
		if tx.State == state {
			out = append(out, *copyTx(tx))
		}
	}
	return out, nil
}

func (s *Store) Transition(_ context.Context, id string, ch engine.StateChange) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, engine.ErrNotFound
	}
	if tx.State != ch.From {
		return nil, engine.ErrInvalidTransition
	}
	tx.State = ch.To
	if ch.AdminResponseDeadline != nil {
		d := *ch.AdminResponseDeadline
		tx.AdminResponseDeadline = &d
	}
	if ch.ProofRef != "" {
		tx.ProofRef = ch.ProofRef
	}
	if ch.ProofSubmittedAt != nil {
		t := *ch.ProofSubmittedAt
		tx.ProofSubmittedAt = &t
	}
	if ch.TerminalAt != nil {
		t := *ch.TerminalAt
		tx.TerminalAt = &t
	}
	if ch.RollbackState != "" {
		tx.RollbackState = ch.RollbackState
	}
	return copyTx(tx), nil
}

func (s *Store) ListDeadlineExpired(_ context.Context, state model.TxState, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.txOrder {
		tx := s.txs[id]
		if tx.State != state {
			continue
		}
		switch state {
		case model.StateWaitingForPayment:
			if tx.PaymentProofDeadline.Before(now) {
				out = append(out, id)
			}
		case model.StateWaitingForAdmin:
			if tx.AdminResponseDeadline != nil && tx.AdminResponseDeadline.Before(now) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (s *Store) MarkRollback(_ context.Context, id string, from []model.RollbackState, to model.RollbackState, attempts int, nextAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return false, engine.ErrNotFound
	}
	match := false
	for _, f := range from {
		if tx.RollbackState == f {
			match = true
			break
		}
	}
	if !match {
		return false, nil
	}
	tx.RollbackState = to
	if attempts >= 0 {
		tx.RollbackAttempts = attempts
	}
	tx.NextRollbackAt = nextAt
	return true, nil
}

func (s *Store) ListRollbackDue(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, id := range s.txOrder {
		tx := s.txs[id]
		switch tx.RollbackState {
		case model.RollbackPending, model.RollbackFailed, model.RollbackInProgress:
			if !tx.NextRollbackAt.After(now) {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// engine.InventoryLedger
// ---------------------------------------------------------------------------

// Inventory is the seat-hold view of the store. It exists as its own
// type because the inventory and benefit ledgers both expose Commit
// and Release with different semantics.
type Inventory struct{ s *Store }

// Inventory returns the store's engine.InventoryLedger implementation.
func (s *Store) Inventory() *Inventory { return &Inventory{s: s} }

func (i *Inventory) TryHold(_ context.Context, transactionID string, tierID uint64, quantity uint32) (*model.SeatHold, error) {
	s := i.s
	s.mu.Lock()
	defer s.mu.Unlock()
	tier, ok := s.tiers[tierID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	// Compare in uint64; a near-max quantity must not wrap past the
	// capacity guard.
	if s.claimedLocked(tierID)+uint64(quantity) > uint64(tier.Capacity) {
		return nil, engine.ErrInventoryExhausted
	}
	s.nextHoldID++
	now := time.Now().UTC()
	h := &model.SeatHold{
		ID:            s.nextHoldID,
		TransactionID: transactionID,
		TierID:        tierID,
		Quantity:      quantity,
		Status:        model.HoldActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.holds = append(s.holds, h)
	cp := *h
	return &cp, nil
}

// claimedLocked sums ACTIVE and COMMITTED quantities for a tier. The
// caller must hold the mutex.
func (s *Store) claimedLocked(tierID uint64) uint64 {
	var n uint64
	for _, h := range s.holds {
		if h.TierID == tierID && (h.Status == model.HoldActive || h.Status == model.HoldCommitted) {
			n += uint64(h.Quantity)
		}
	}
	return n
}

func (i *Inventory) Commit(_ context.Context, transactionID string) error {
	return i.s.flipHolds(transactionID, model.HoldCommitted)
}

func (i *Inventory) Release(_ context.Context, transactionID string) error {
	return i.s.flipHolds(transactionID, model.HoldReleased)
}

// flipHolds moves every ACTIVE hold of a transaction to the given
// status. Holds already RELEASED or COMMITTED are left untouched,
// which is what makes Commit and Release idempotent.
func (s *Store) flipHolds(transactionID string, to model.HoldStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, h := range s.holds {
		if h.TransactionID == transactionID && h.Status == model.HoldActive {
			h.Status = to
			h.UpdatedAt = now
		}
	}
	return nil
}

func (i *Inventory) HoldsByTransaction(_ context.Context, transactionID string) ([]model.SeatHold, error) {
	s := i.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.SeatHold
	for _, h := range s.holds {
		if h.TransactionID == transactionID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (i *Inventory) Available(_ context.Context, tierID uint64) (uint32, error) {
	s := i.s
	s.mu.Lock()
	defer s.mu.Unlock()
	tier, ok := s.tiers[tierID]
	if !ok {
		return 0, engine.ErrNotFound
	}
	return uint32(uint64(tier.Capacity) - s.claimedLocked(tierID)), nil
}

// ReleaseOrphans releases aged ACTIVE holds whose transaction row was
// never created.
func (i *Inventory) ReleaseOrphans(_ context.Context, before time.Time) (int, error) {
	s := i.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	released := 0
	for _, h := range s.holds {
		if h.Status != model.HoldActive || !h.CreatedAt.Before(before) {
			continue
		}
		if _, ok := s.txs[h.TransactionID]; ok {
			continue
		}
		h.Status = model.HoldReleased
		h.UpdatedAt = now
		released++
	}
	return released, nil
}

// ---------------------------------------------------------------------------
// engine.BenefitLedger
// ---------------------------------------------------------------------------

// Benefits is the point/voucher/coupon view of the store.
type Benefits struct{ s *Store }

// Benefits returns the store's engine.BenefitLedger implementation.
func (s *Store) Benefits() *Benefits { return &Benefits{s: s} }

func (b *Benefits) HoldPoints(_ context.Context, transactionID string, buyerID uint64, amount int64) error {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.points[buyerID] < amount {
		return engine.ErrBenefitUnavailable
	}
	s.points[buyerID] -= amount
	s.appendRedemptionLocked(&model.BenefitRedemption{
		TransactionID: transactionID,
		BuyerID:       buyerID,
		Kind:          model.BenefitPoints,
		Amount:        amount,
		Status:        model.RedemptionHeld,
	})
	return nil
}

func (b *Benefits) HoldVoucher(_ context.Context, transactionID string, buyerID uint64, code string) (int64, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vouchers[code]
	if !ok {
		return 0, engine.ErrNotFound
	}
	if s.codeClaimedLocked(model.BenefitVoucher, code) {
		return 0, engine.ErrBenefitUnavailable
	}
	s.appendRedemptionLocked(&model.BenefitRedemption{
		TransactionID: transactionID,
		BuyerID:       buyerID,
		Kind:          model.BenefitVoucher,
		Code:          code,
		Status:        model.RedemptionHeld,
	})
	return v.DiscountCents, nil
}

func (b *Benefits) HoldCoupon(_ context.Context, transactionID string, buyerID uint64, code string) (int64, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.coupons[code]
	if !ok {
		return 0, engine.ErrNotFound
	}
	if s.codeClaimedLocked(model.BenefitCoupon, code) {
		return 0, engine.ErrBenefitUnavailable
	}
	s.appendRedemptionLocked(&model.BenefitRedemption{
		TransactionID: transactionID,
		BuyerID:       buyerID,
		Kind:          model.BenefitCoupon,
		Code:          code,
		Status:        model.RedemptionHeld,
	})
	return c.DiscountCents, nil
}

// codeClaimedLocked reports whether any transaction currently holds or
// has committed the given code. The caller must hold the mutex.
func (s *Store) codeClaimedLocked(kind model.BenefitKind, code string) bool {
	for _, r := range s.redemptions {
		if r.Kind == kind && r.Code == code &&
			(r.Status == model.RedemptionHeld || r.Status == model.RedemptionCommitted) {
			return true
		}
	}
	return false
}

func (s *Store) appendRedemptionLocked(r *model.BenefitRedemption) {
	s.nextRedemptionID++
	r.ID = s.nextRedemptionID
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	s.redemptions = append(s.redemptions, r)
}

func (b *Benefits) Commit(_ context.Context, transactionID string) error {
	return b.s.flipRedemptions(transactionID, model.RedemptionCommitted)
}

func (b *Benefits) Release(_ context.Context, transactionID string) error {
	return b.s.flipRedemptions(transactionID, model.RedemptionReleased)
}

// flipRedemptions moves every HELD redemption of a transaction to the
// given status, crediting point debits back on release. Redemptions
// already COMMITTED or RELEASED are left untouched.
func (s *Store) flipRedemptions(transactionID string, to model.RedemptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, r := range s.redemptions {
		if r.TransactionID != transactionID || r.Status != model.RedemptionHeld {
			continue
		}
		if to == model.RedemptionReleased && r.Kind == model.BenefitPoints {
			s.points[r.BuyerID] += r.Amount
		}
		r.Status = to
		r.UpdatedAt = now
	}
	return nil
}

func (b *Benefits) RedemptionsByTransaction(_ context.Context, transactionID string) ([]model.BenefitRedemption, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BenefitRedemption
	for _, r := range s.redemptions {
		if r.TransactionID == transactionID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (b *Benefits) PointsBalance(_ context.Context, buyerID uint64) (int64, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.points[buyerID], nil
}

// ReleaseOrphans releases aged HELD redemptions whose transaction row
// was never created, crediting point debits back.
func (b *Benefits) ReleaseOrphans(_ context.Context, before time.Time) (int, error) {
	s := b.s
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	released := 0
	for _, r := range s.redemptions {
		if r.Status != model.RedemptionHeld || !r.CreatedAt.Before(before) {
			continue
		}
		if _, ok := s.txs[r.TransactionID]; ok {
			continue
		}
		if r.Kind == model.BenefitPoints {
			s.points[r.BuyerID] += r.Amount
		}
		r.Status = model.RedemptionReleased
		r.UpdatedAt = now
		released++
	}
	return released, nil
}

// ---------------------------------------------------------------------------
// engine.TierCatalog
// ---------------------------------------------------------------------------

func (s *Store) Tier(_ context.Context, tierID uint64) (*model.TicketTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tiers[tierID]
	if !ok {
		return nil, engine.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) TiersByEvent(_ context.Context, eventID uint64) ([]model.TicketTier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TicketTier
	for _, t := range s.tiers {
		if t.EventID == eventID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var (
	_ engine.TransactionStore = (*Store)(nil)
	_ engine.TierCatalog      = (*Store)(nil)
	_ engine.InventoryLedger  = (*Inventory)(nil)
	_ engine.BenefitLedger    = (*Benefits)(nil)
)

func copyTx(tx *model.Transaction) *model.Transaction {
	cp := *tx
	cp.Selections = append([]model.TicketSelection(nil), tx.Selections...)
	if tx.AdminResponseDeadline != nil {
		d := *tx.AdminResponseDeadline
		cp.AdminResponseDeadline = &d
	}
	if tx.ProofSubmittedAt != nil {
		t := *tx.ProofSubmittedAt
		cp.ProofSubmittedAt = &t
	}
	if tx.TerminalAt != nil {
		t := *tx.TerminalAt
		cp.TerminalAt = &t
	}
	return &cp
}

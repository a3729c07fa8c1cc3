package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/model"
	"github.com/iliyamo/ticket-marketplace/internal/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const (
	buyerID   = uint64(42)
	otherID   = uint64(99)
	eventID   = uint64(7)
	tierVIP   = uint64(1) // 100000 cents, capacity 10
	tierFloor = uint64(2) // 50000 cents, capacity 2
)

// fakeClock is a mutable clock shared by the engine and its workers.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Now().UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordSink captures lifecycle notifications for assertions.
type recordSink struct {
	mu        sync.Mutex
	terminals []model.Transaction
	alerts    []int
}

func (s *recordSink) TransactionTerminal(_ context.Context, tx *model.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals = append(s.terminals, *tx)
}

func (s *recordSink) RollbackAlert(_ context.Context, _ *model.Transaction, attempts int, _ error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, attempts)
}

func (s *recordSink) terminalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.terminals)
}

func (s *recordSink) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func newTestEngine(t *testing.T) (*engine.Engine, *memory.Store, *fakeClock, *recordSink) {
	t.Helper()
	store := memory.New()
	store.AddTier(model.TicketTier{ID: tierVIP, EventID: eventID, Name: "VIP", PriceCents: 100000, Capacity: 10})
	store.AddTier(model.TicketTier{ID: tierFloor, EventID: eventID, Name: "Floor", PriceCents: 50000, Capacity: 2})
	store.AddTier(model.TicketTier{ID: 3, EventID: 8, Name: "Other event", PriceCents: 10000, Capacity: 5})
	store.SetPoints(buyerID, 30000)
	store.AddVoucher(model.Voucher{Code: "WELCOME", DiscountCents: 20000})
	store.AddCoupon(model.Coupon{Code: "SAVE10", DiscountCents: 10000})

	clock := newFakeClock()
	sink := &recordSink{}
	eng := engine.New(store, store.Inventory(), store.Benefits(), store, sink, engine.Config{
		ProofTTL:        2 * time.Hour,
		AdminTTL:        72 * time.Hour,
		ServiceFeeCents: 5000,
	})
	eng.SetClock(clock.Now)
	return eng, store, clock, sink
}

func reserve(t *testing.T, eng *engine.Engine, req engine.ReserveRequest) *model.Transaction {
	t.Helper()
	tx, err := eng.Reserve(context.Background(), req)
	require.NoError(t, err)
	return tx
}

func basicReserve(t *testing.T, eng *engine.Engine) *model.Transaction {
	t.Helper()
	return reserve(t, eng, engine.ReserveRequest{
		BuyerID: buyerID,
		EventID: eventID,
		Selections: []model.TicketSelection{
			{TierID: tierVIP, Quantity: 2},
		},
	})
}

// =============================================================================
// RESERVE
// =============================================================================

func TestReserve_AmountDueAndLedgerEntries(t *testing.T) {
	eng, store, clock, _ := newTestEngine(t)
	ctx := context.Background()

	tx := reserve(t, eng, engine.ReserveRequest{
		BuyerID: buyerID,
		EventID: eventID,
		Selections: []model.TicketSelection{
			{TierID: tierVIP, Quantity: 2},
			{TierID: tierFloor, Quantity: 1},
		},
		PointsUsed:  10000,
		VoucherCode: "WELCOME",
	})

	// 2*100000 + 1*50000 - 10000 points - 20000 voucher + 5000 fee
	assert.Equal(t, int64(225000), tx.AmountDueCents)
	assert.Equal(t, model.StateWaitingForPayment, tx.State)
	assert.Equal(t, model.RollbackNone, tx.RollbackState)
	assert.Equal(t, clock.Now().Add(2*time.Hour), tx.PaymentProofDeadline)

	holds, err := store.Inventory().HoldsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, holds, 2)
	for _, h := range holds {
		assert.Equal(t, model.HoldActive, h.Status)
	}

	redemptions, err := store.Benefits().RedemptionsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, redemptions, 2)
	for _, r := range redemptions {
		assert.Equal(t, model.RedemptionHeld, r.Status)
	}

	// Points are debited at hold time.
	balance, err := store.Benefits().PointsBalance(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), balance)
}

func TestReserve_MergesDuplicateTierLines(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	tx := reserve(t, eng, engine.ReserveRequest{
		BuyerID: buyerID,
		EventID: eventID,
		Selections: []model.TicketSelection{
			{TierID: tierVIP, Quantity: 1},
			{TierID: tierVIP, Quantity: 2},
		},
	})

	require.Len(t, tx.Selections, 1)
	assert.Equal(t, uint32(3), tx.Selections[0].Quantity)

	holds, err := store.Inventory().HoldsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, uint32(3), holds[0].Quantity)
}

func TestReserve_InventoryExhausted_LeavesNoTrace(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	// Another buyer takes both floor seats first.
	reserve(t, eng, engine.ReserveRequest{
		BuyerID:    otherID,
		EventID:    eventID,
		Selections: []model.TicketSelection{{TierID: tierFloor, Quantity: 2}},
	})

	// The VIP hold succeeds, the floor hold then fails; the failed
	// reserve must undo the VIP hold, nothing else.
	_, err := eng.Reserve(ctx, engine.ReserveRequest{
		BuyerID: buyerID,
		EventID: eventID,
		Selections: []model.TicketSelection{
			{TierID: tierVIP, Quantity: 1},
			{TierID: tierFloor, Quantity: 1},
		},
		PointsUsed: 5000,
	})
	require.ErrorIs(t, err, engine.ErrInventoryExhausted)

	available, err := store.Inventory().Available(ctx, tierVIP)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), available)

	balance, err := store.Benefits().PointsBalance(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), balance)
}

func TestReserve_QuantityOverflowRejected(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	// VIP has capacity 10; claim four seats first so an overflowing
	// quantity that wrapped to a small number would appear to fit.
	basicReserve(t, eng)
	basicReserve(t, eng)

	_, err := eng.Reserve(ctx, engine.ReserveRequest{
		BuyerID:    buyerID,
		EventID:    eventID,
		Selections: []model.TicketSelection{{TierID: tierVIP, Quantity: 4294967292}},
	})
	require.ErrorIs(t, err, engine.ErrInventoryExhausted)

	// Duplicate lines summing past uint32 must not wrap either.
	_, err = eng.Reserve(ctx, engine.ReserveRequest{
		BuyerID: buyerID,
		EventID: eventID,
		Selections: []model.TicketSelection{
			{TierID: tierVIP, Quantity: 4294967295},
			{TierID: tierVIP, Quantity: 5},
		},
	})
	require.ErrorIs(t, err, engine.ErrInventoryExhausted)

	available, err := store.Inventory().Available(ctx, tierVIP)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), available)
}

func TestReserve_BenefitFailure_ReleasesHolds(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := eng.Reserve(ctx, engine.ReserveRequest{
		BuyerID:    buyerID,
		EventID:    eventID,
		Selections: []model.TicketSelection{{TierID: tierFloor, Quantity: 2}},
		PointsUsed: 999999, // more than the balance
	})
	require.ErrorIs(t, err, engine.ErrBenefitUnavailable)

	available, err := store.Inventory().Available(ctx, tierFloor)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), available)
}

func TestReserve_AmountDueClampedAtZero(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	// 50000 subtotal - 20000 voucher - 10000 coupon - 30000 points + 5000 fee < 0
	tx := reserve(t, eng, engine.ReserveRequest{
		BuyerID:     buyerID,
		EventID:     eventID,
		Selections:  []model.TicketSelection{{TierID: tierFloor, Quantity: 1}},
		PointsUsed:  30000,
		VoucherCode: "WELCOME",
		CouponCode:  "SAVE10",
	})
	assert.Equal(t, int64(0), tx.AmountDueCents)
}

func TestReserve_TierFromOtherEventRejected(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	_, err := eng.Reserve(context.Background(), engine.ReserveRequest{
		BuyerID:    buyerID,
		EventID:    eventID,
		Selections: []model.TicketSelection{{TierID: 3, Quantity: 1}},
	})
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestReserve_EmptySelectionsRejected(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	_, err := eng.Reserve(context.Background(), engine.ReserveRequest{
		BuyerID:    buyerID,
		EventID:    eventID,
		Selections: []model.TicketSelection{{TierID: tierVIP, Quantity: 0}},
	})
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

// =============================================================================
// SUBMIT PROOF
// =============================================================================

func TestSubmitProof_StartsAdminWindow(t *testing.T) {
	eng, _, clock, _ := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)
	clock.Advance(30 * time.Minute)

	updated, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof-123.png")
	require.NoError(t, err)
	assert.Equal(t, model.StateWaitingForAdmin, updated.State)
	assert.Equal(t, "uploads/proof-123.png", updated.ProofRef)
	require.NotNil(t, updated.AdminResponseDeadline)
	assert.Equal(t, clock.Now().Add(72*time.Hour), *updated.AdminResponseDeadline)
	require.NotNil(t, updated.ProofSubmittedAt)
	assert.Equal(t, clock.Now(), *updated.ProofSubmittedAt)
}

func TestSubmitProof_AfterDeadline(t *testing.T) {
	eng, _, clock, _ := newTestEngine(t)

	tx := basicReserve(t, eng)
	clock.Advance(2*time.Hour + time.Minute)

	_, err := eng.SubmitProof(context.Background(), tx.ID, buyerID, "uploads/late.png")
	require.ErrorIs(t, err, engine.ErrDeadlineExceeded)
}

func TestSubmitProof_WrongBuyer(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	tx := basicReserve(t, eng)
	_, err := eng.SubmitProof(context.Background(), tx.ID, otherID, "uploads/forged.png")
	require.ErrorIs(t, err, engine.ErrForbidden)
}

func TestSubmitProof_Twice(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)
	_, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof.png")
	require.NoError(t, err)

	_, err = eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof-again.png")
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

// =============================================================================
// CONFIRM / REJECT / CANCEL
// =============================================================================

func TestConfirm_CommitsBothLedgers(t *testing.T) {
	eng, store, _, sink := newTestEngine(t)
	ctx := context.Background()

	tx := reserve(t, eng, engine.ReserveRequest{
		BuyerID:    buyerID,
		EventID:    eventID,
		Selections: []model.TicketSelection{{TierID: tierVIP, Quantity: 2}},
		PointsUsed: 10000,
	})
	_, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof.png")
	require.NoError(t, err)

	done, err := eng.Confirm(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, done.State)
	assert.Equal(t, model.RollbackNone, done.RollbackState)
	require.NotNil(t, done.TerminalAt)

	holds, err := store.Inventory().HoldsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	for _, h := range holds {
		assert.Equal(t, model.HoldCommitted, h.Status)
	}
	redemptions, err := store.Benefits().RedemptionsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	for _, r := range redemptions {
		assert.Equal(t, model.RedemptionCommitted, r.Status)
	}

	// Committed points stay spent.
	balance, err := store.Benefits().PointsBalance(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(20000), balance)

	assert.Equal(t, 1, sink.terminalCount())
}

func TestConfirm_FromWaitingForPaymentRejected(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	tx := basicReserve(t, eng)
	_, err := eng.Confirm(context.Background(), tx.ID)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

// commitFlakyInventory fails Commit a set number of times before
// delegating, standing in for a ledger outage between the state
// transition and the commits.
type commitFlakyInventory struct {
	engine.InventoryLedger
	failures int
}

func (f *commitFlakyInventory) Commit(ctx context.Context, transactionID string) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("inventory ledger unavailable")
	}
	return f.InventoryLedger.Commit(ctx, transactionID)
}

func TestConfirm_RetriesLedgerCommitsAfterFailure(t *testing.T) {
	store := memory.New()
	store.AddTier(model.TicketTier{ID: tierVIP, EventID: eventID, Name: "VIP", PriceCents: 100000, Capacity: 10})
	store.SetPoints(buyerID, 30000)
	flaky := &commitFlakyInventory{InventoryLedger: store.Inventory(), failures: 1}
	eng := engine.New(store, flaky, store.Benefits(), store, nil, engine.Config{
		ProofTTL:        2 * time.Hour,
		AdminTTL:        72 * time.Hour,
		ServiceFeeCents: 5000,
	})
	ctx := context.Background()

	tx := reserve(t, eng, engine.ReserveRequest{
		BuyerID:    buyerID,
		EventID:    eventID,
		Selections: []model.TicketSelection{{TierID: tierVIP, Quantity: 2}},
		PointsUsed: 10000,
	})
	_, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof.png")
	require.NoError(t, err)

	// The first confirm wins the transition but the ledger commit dies,
	// leaving a DONE row over ACTIVE holds.
	_, err = eng.Confirm(ctx, tx.ID)
	require.Error(t, err)
	got, err := eng.Get(ctx, tx.ID, buyerID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, got.State)
	holds, err := store.Inventory().HoldsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotEmpty(t, holds)
	assert.Equal(t, model.HoldActive, holds[0].Status)

	// The retry re-drives the idempotent commits.
	done, err := eng.Confirm(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, done.State)

	holds, err = store.Inventory().HoldsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	for _, h := range holds {
		assert.Equal(t, model.HoldCommitted, h.Status)
	}
	redemptions, err := store.Benefits().RedemptionsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	for _, r := range redemptions {
		assert.Equal(t, model.RedemptionCommitted, r.Status)
	}
}

func TestConfirmVersusReject_SingleWinner(t *testing.T) {
	store := memory.New()
	store.AddTier(model.TicketTier{ID: tierVIP, EventID: eventID, Name: "VIP", PriceCents: 100000, Capacity: 100})
	eng := engine.New(store, store.Inventory(), store.Benefits(), store, nil, engine.Config{
		ProofTTL:        2 * time.Hour,
		AdminTTL:        72 * time.Hour,
		ServiceFeeCents: 5000,
	})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		tx := reserve(t, eng, engine.ReserveRequest{
			BuyerID:    buyerID,
			EventID:    eventID,
			Selections: []model.TicketSelection{{TierID: tierVIP, Quantity: 1}},
		})
		_, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof.png")
		require.NoError(t, err)

		var wg sync.WaitGroup
		var confirmErr, rejectErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = eng.Confirm(ctx, tx.ID)
		}()
		go func() {
			defer wg.Done()
			_, rejectErr = eng.Reject(ctx, tx.ID)
		}()
		wg.Wait()

		// Exactly one side wins the conditional update; the loser sees
		// the transition refused and the ledgers match the winner.
		got, err := eng.Get(ctx, tx.ID, buyerID, false)
		require.NoError(t, err)
		holds, err := store.Inventory().HoldsByTransaction(ctx, tx.ID)
		require.NoError(t, err)
		require.Len(t, holds, 1)
		if confirmErr == nil {
			require.ErrorIs(t, rejectErr, engine.ErrInvalidTransition)
			assert.Equal(t, model.StateDone, got.State)
			assert.Equal(t, model.RollbackNone, got.RollbackState)
			assert.Equal(t, model.HoldCommitted, holds[0].Status)
		} else {
			require.ErrorIs(t, confirmErr, engine.ErrInvalidTransition)
			require.NoError(t, rejectErr)
			assert.Equal(t, model.StateRejected, got.State)
			assert.Equal(t, model.RollbackPending, got.RollbackState)
		}
	}
}

func TestReject_EnqueuesRollback(t *testing.T) {
	eng, _, _, sink := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)
	_, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof.png")
	require.NoError(t, err)

	rejected, err := eng.Reject(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, rejected.State)
	assert.Equal(t, model.RollbackPending, rejected.RollbackState)
	assert.Equal(t, 1, sink.terminalCount())
}

func TestCancel_OnlyWhileWaitingForPayment(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)
	canceled, err := eng.Cancel(ctx, tx.ID, buyerID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCanceled, canceled.State)
	assert.Equal(t, model.RollbackPending, canceled.RollbackState)

	// A second cancel loses the conditional update.
	_, err = eng.Cancel(ctx, tx.ID, buyerID)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestCancel_WrongBuyer(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	tx := basicReserve(t, eng)
	_, err := eng.Cancel(context.Background(), tx.ID, otherID)
	require.ErrorIs(t, err, engine.ErrForbidden)
}

func TestConfirmVersusTimeout_SingleWinner(t *testing.T) {
	eng, _, clock, _ := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)
	_, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof.png")
	require.NoError(t, err)
	clock.Advance(73 * time.Hour)

	// The sweep's timeout lands first; the admin's late confirm loses.
	_, err = eng.AdminTimeout(ctx, tx.ID)
	require.NoError(t, err)
	_, err = eng.Confirm(ctx, tx.ID)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)

	got, err := eng.Get(ctx, tx.ID, buyerID, false)
	require.NoError(t, err)
	assert.Equal(t, model.StateCanceled, got.State)
	assert.Equal(t, model.RollbackPending, got.RollbackState)
}

// =============================================================================
// QUERIES
// =============================================================================

func TestGet_RestrictedToBuyerUnlessOrganizer(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)

	_, err := eng.Get(ctx, tx.ID, otherID, false)
	require.ErrorIs(t, err, engine.ErrForbidden)

	got, err := eng.Get(ctx, tx.ID, otherID, true)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
}

func TestListByBuyer_NewestFirst(t *testing.T) {
	eng, _, clock, _ := newTestEngine(t)
	ctx := context.Background()

	first := basicReserve(t, eng)
	clock.Advance(time.Minute)
	second := reserve(t, eng, engine.ReserveRequest{
		BuyerID:    buyerID,
		EventID:    eventID,
		Selections: []model.TicketSelection{{TierID: tierFloor, Quantity: 1}},
	})

	items, err := eng.ListByBuyer(ctx, buyerID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, second.ID, items[0].ID)
	assert.Equal(t, first.ID, items[1].ID)
}

func TestListAwaitingDecision(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)
	_, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof.png")
	require.NoError(t, err)

	items, err := eng.ListAwaitingDecision(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, tx.ID, items[0].ID)
}

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

// flakyInventory wraps an inventory ledger and fails Release a set
// number of times before letting calls through.
type flakyInventory struct {
	engine.InventoryLedger

	mu        sync.Mutex
	failTimes int
	calls     int
}

func (f *flakyInventory) Release(ctx context.Context, transactionID string) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failTimes
	f.mu.Unlock()
	if fail {
		return errors.New("inventory backend unavailable")
	}
	return f.InventoryLedger.Release(ctx, transactionID)
}

func newTestOrchestrator(t *testing.T, inv engine.InventoryLedger, store *memory.Store, clock *fakeClock, sink *recordSink, cfg engine.RollbackConfig) *engine.Orchestrator {
	t.Helper()
	o := engine.NewOrchestrator(store, inv, store.Benefits(), sink, cfg)
	o.SetClock(clock.Now)
	return o
}

// cancelWithBenefits reserves with points and a voucher, then cancels,
// leaving a PENDING rollback with held resources to compensate.
func cancelWithBenefits(t *testing.T, eng *engine.Engine) *model.Transaction {
	t.Helper()
	ctx := context.Background()
	tx := reserve(t, eng, engine.ReserveRequest{
		BuyerID:     buyerID,
		EventID:     eventID,
		Selections:  []model.TicketSelection{{TierID: tierVIP, Quantity: 2}},
		PointsUsed:  10000,
		VoucherCode: "WELCOME",
	})
	canceled, err := eng.Cancel(ctx, tx.ID, buyerID)
	require.NoError(t, err)
	require.Equal(t, model.RollbackPending, canceled.RollbackState)
	return canceled
}

func TestRunRollback_RestoresEveryResource(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	tx := cancelWithBenefits(t, eng)
	o := newTestOrchestrator(t, store.Inventory(), store, clock, sink, engine.RollbackConfig{})

	require.NoError(t, o.RunRollback(ctx, tx.ID))

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RollbackComplete, got.RollbackState)
	assert.Equal(t, 1, got.RollbackAttempts)
	// Buyer-visible state is untouched by compensation.
	assert.Equal(t, model.StateCanceled, got.State)

	available, err := store.Inventory().Available(ctx, tierVIP)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), available)

	balance, err := store.Benefits().PointsBalance(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), balance)

	// The voucher is claimable again.
	_, err = store.Benefits().HoldVoucher(ctx, "another-tx", otherID, "WELCOME")
	require.NoError(t, err)
}

func TestRunRollback_CompletedRollbackIsNotRerun(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	tx := cancelWithBenefits(t, eng)
	o := newTestOrchestrator(t, store.Inventory(), store, clock, sink, engine.RollbackConfig{})

	require.NoError(t, o.RunRollback(ctx, tx.ID))
	require.NoError(t, o.RunRollback(ctx, tx.ID))

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RollbackComplete, got.RollbackState)
	assert.Equal(t, 1, got.RollbackAttempts)

	// No double credit of points.
	balance, err := store.Benefits().PointsBalance(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), balance)
}

func TestRunRollback_FailureSchedulesRetryWithBackoff(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	tx := cancelWithBenefits(t, eng)
	flaky := &flakyInventory{InventoryLedger: store.Inventory(), failTimes: 1}
	o := newTestOrchestrator(t, flaky, store, clock, sink, engine.RollbackConfig{
		BackoffBase: 30 * time.Second,
		BackoffMax:  30 * time.Minute,
	})

	err := o.RunRollback(ctx, tx.ID)
	require.ErrorIs(t, err, engine.ErrRollbackFailed)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RollbackFailed, got.RollbackState)
	assert.Equal(t, 1, got.RollbackAttempts)
	assert.Equal(t, clock.Now().Add(30*time.Second), got.NextRollbackAt)

	// Not due until the backoff elapses.
	due, err := store.ListRollbackDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	clock.Advance(31 * time.Second)
	due, err = store.ListRollbackDue(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	// The retry succeeds and compensates in full.
	require.NoError(t, o.RunRollback(ctx, tx.ID))
	got, err = store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RollbackComplete, got.RollbackState)
	assert.Equal(t, 2, got.RollbackAttempts)

	balance, err := store.Benefits().PointsBalance(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), balance)
}

func TestRunRollback_AlertsAfterMaxAttempts(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	tx := cancelWithBenefits(t, eng)
	flaky := &flakyInventory{InventoryLedger: store.Inventory(), failTimes: 10}
	o := newTestOrchestrator(t, flaky, store, clock, sink, engine.RollbackConfig{
		BackoffBase: time.Second,
		MaxAttempts: 2,
	})

	require.Error(t, o.RunRollback(ctx, tx.ID))
	assert.Equal(t, 0, sink.alertCount())

	clock.Advance(time.Minute)
	require.Error(t, o.RunRollback(ctx, tx.ID))
	assert.Equal(t, 1, sink.alertCount())

	// Still retried after alerting; the rollback is never dropped.
	clock.Advance(time.Minute)
	due, err := store.ListRollbackDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestSweep_RunsEveryDueRollback(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	first := cancelWithBenefits(t, eng)
	second := basicReserve(t, eng)
	_, err := eng.Cancel(ctx, second.ID, buyerID)
	require.NoError(t, err)

	o := newTestOrchestrator(t, store.Inventory(), store, clock, sink, engine.RollbackConfig{})
	o.Sweep(ctx)

	for _, id := range []string{first.ID, second.ID} {
		got, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.RollbackComplete, got.RollbackState)
	}
}

func TestSweep_ReclaimsStaleInProgress(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	tx := cancelWithBenefits(t, eng)

	// Simulate a crash mid-rollback: claimed IN_PROGRESS, lease running.
	claimed, err := store.MarkRollback(ctx, tx.ID,
		[]model.RollbackState{model.RollbackPending},
		model.RollbackInProgress, -1, clock.Now().Add(5*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)

	o := newTestOrchestrator(t, store.Inventory(), store, clock, sink, engine.RollbackConfig{
		StaleAfter: 5 * time.Minute,
	})

	// Within the lease nothing is due.
	o.Sweep(ctx)
	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RollbackInProgress, got.RollbackState)

	// Past the lease the sweep reclaims and finishes the rollback.
	clock.Advance(6 * time.Minute)
	o.Sweep(ctx)
	got, err = store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RollbackComplete, got.RollbackState)

	balance, err := store.Benefits().PointsBalance(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), balance)
}

func TestSweep_ReclaimsOrphanedHolds(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	// Holds and a point debit with no transaction row, as left behind
	// by a reserve that died before writing the transaction.
	_, err := store.Inventory().TryHold(ctx, "ghost-tx", tierVIP, 2)
	require.NoError(t, err)
	require.NoError(t, store.Benefits().HoldPoints(ctx, "ghost-tx", buyerID, 5000))

	o := newTestOrchestrator(t, store.Inventory(), store, clock, sink, engine.RollbackConfig{
		StaleAfter: 5 * time.Minute,
	})

	// Young enough to be an in-flight reserve; the sweep leaves it be.
	o.Sweep(ctx)
	available, err := store.Inventory().Available(ctx, tierVIP)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), available)

	// Past the lease window the sweep reclaims both ledgers.
	clock.Advance(6 * time.Minute)
	o.Sweep(ctx)

	available, err = store.Inventory().Available(ctx, tierVIP)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), available)

	balance, err := store.Benefits().PointsBalance(ctx, buyerID)
	require.NoError(t, err)
	assert.Equal(t, int64(30000), balance)

	// A live reserve with its transaction row is never swept.
	tx := basicReserve(t, eng)
	clock.Advance(6 * time.Minute)
	o.Sweep(ctx)
	holds, err := store.Inventory().HoldsByTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.Len(t, holds, 1)
	assert.Equal(t, model.HoldActive, holds[0].Status)
}

func TestWake_TriggersImmediateSweep(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	o := newTestOrchestrator(t, store.Inventory(), store, clock, sink, engine.RollbackConfig{
		SweepInterval: time.Hour, // only Wake can trigger within the test
	})
	eng.SetOrchestrator(o)
	o.Start()
	defer o.Stop()

	tx := cancelWithBenefits(t, eng)

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, tx.ID)
		return err == nil && got.RollbackState == model.RollbackComplete
	}, 2*time.Second, 10*time.Millisecond)
}

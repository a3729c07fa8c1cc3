package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-marketplace/internal/engine"
	"github.com/iliyamo/ticket-marketplace/internal/model"
)

func TestSweep_ExpiresOverduePaymentProof(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	overdue := basicReserve(t, eng)
	clock.Advance(time.Hour)
	fresh := basicReserve(t, eng) // deadline still ahead after the jump below

	s := engine.NewScheduler(eng, store, time.Second)
	clock.Advance(90 * time.Minute) // overdue at 2h30m, fresh at 1h30m
	s.Sweep(ctx)

	got, err := store.Get(ctx, overdue.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, got.State)
	assert.Equal(t, model.RollbackPending, got.RollbackState)

	got, err = store.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateWaitingForPayment, got.State)

	assert.Equal(t, 1, sink.terminalCount())
}

func TestSweep_CancelsOnAdminSilence(t *testing.T) {
	eng, store, clock, _ := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)
	_, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof.png")
	require.NoError(t, err)

	s := engine.NewScheduler(eng, store, time.Second)
	clock.Advance(72*time.Hour + time.Minute)
	s.Sweep(ctx)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateCanceled, got.State)
	assert.Equal(t, model.RollbackPending, got.RollbackState)
}

func TestSweep_DoubleFireIsHarmless(t *testing.T) {
	eng, store, clock, sink := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)
	s := engine.NewScheduler(eng, store, time.Second)
	clock.Advance(3 * time.Hour)

	s.Sweep(ctx)
	s.Sweep(ctx)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateExpired, got.State)
	assert.Equal(t, 1, sink.terminalCount())
}

func TestSweep_ProofSubmissionBeatsExpiry(t *testing.T) {
	eng, store, clock, _ := newTestEngine(t)
	ctx := context.Background()

	tx := basicReserve(t, eng)
	_, err := eng.SubmitProof(ctx, tx.ID, buyerID, "uploads/proof.png")
	require.NoError(t, err)

	// Even long past the proof deadline the sweep must not expire a
	// transaction that already moved on.
	s := engine.NewScheduler(eng, store, time.Second)
	clock.Advance(3 * time.Hour)
	s.Sweep(ctx)

	got, err := store.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateWaitingForAdmin, got.State)
}

package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// RollbackConfig carries the orchestrator's tunables. MaxAttempts is
// the alerting threshold: a rollback that has failed that many times
// is surfaced to operational alerting while the sweep keeps retrying.
type RollbackConfig struct {
	SweepInterval time.Duration // how often the retry sweep runs
	BackoffBase   time.Duration // delay after the first failed attempt
	BackoffMax    time.Duration // upper bound for the exponential delay
	MaxAttempts   int           // failed attempts before alerting
	StaleAfter    time.Duration // lease on IN_PROGRESS before a sweep may reclaim it
}

// Orchestrator drives rollbackState PENDING -> IN_PROGRESS -> COMPLETE
// for transactions that ended in a non-success terminal state. Each
// compensating call is idempotent per resource: a crash mid-rollback
// followed by a retry from scratch produces the same end state with no
// double credit, because the hold and redemption status flags record
// which compensations already ran. A FAILED rollback is retried by the
// background sweep with bounded exponential backoff and is never
// dropped; the buyer-visible transaction state is never touched here.
type Orchestrator struct {
	store     TransactionStore
	inventory InventoryLedger
	benefits  BenefitLedger
	sink      EventSink
	cfg       RollbackConfig

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	on   bool

	now func() time.Time
}

// NewOrchestrator constructs a rollback orchestrator. The sink may be
// nil, in which case alerts are only logged.
func NewOrchestrator(store TransactionStore, inventory InventoryLedger, benefits BenefitLedger, sink EventSink, cfg RollbackConfig) *Orchestrator {
	if store == nil || inventory == nil || benefits == nil {
		panic("nil dependency passed to engine.NewOrchestrator")
	}
	if sink == nil {
		sink = noopSink{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 15 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	return &Orchestrator{
		store:     store,
		inventory: inventory,
		benefits:  benefits,
		sink:      sink,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the orchestrator's notion of now for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// Wake nudges the sweep loop to run immediately. Non-blocking; a
// pending nudge is enough.
func (o *Orchestrator) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start launches the background retry sweep.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.on {
		return
	}
	o.on = true
	o.wg.Add(1)
	go o.run()
	log.Printf("rollback: sweep started (interval=%v, alert after %d attempts)", o.cfg.SweepInterval, o.cfg.MaxAttempts)
}

// Stop halts the sweep and waits for the current pass to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.on {
		o.mu.Unlock()
		return
	}
	o.on = false
	o.mu.Unlock()
	close(o.stop)
	o.wg.Wait()
}

func (o *Orchestrator) run() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
		case <-o.wake:
		}
		o.Sweep(context.Background())
	}
}

// Sweep runs every due rollback once and reclaims orphaned holds.
// Safe to call concurrently with the background loop: the conditional
// rollback-state update ensures a transaction is compensated by one
// runner at a time.
func (o *Orchestrator) Sweep(ctx context.Context) {
	ids, err := o.store.ListRollbackDue(ctx, o.now())
	if err != nil {
		log.Printf("rollback: list due failed: %v", err)
		return
	}
	for _, id := range ids {
		if err := o.RunRollback(ctx, id); err != nil {
			log.Printf("rollback: transaction %s: %v", id, err)
		}
	}
	o.reclaimOrphans(ctx)
}

// reclaimOrphans releases holds and redemptions left behind by a
// reserve that died between placing holds and writing the transaction
// row. Only rows older than the lease window are touched so in-flight
// reserves are never swept out from under the caller.
func (o *Orchestrator) reclaimOrphans(ctx context.Context) {
	cutoff := o.now().Add(-o.cfg.StaleAfter)
	if n, err := o.inventory.ReleaseOrphans(ctx, cutoff); err != nil {
		log.Printf("rollback: orphan hold sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("rollback: released %d orphaned seat holds", n)
	}
	if n, err := o.benefits.ReleaseOrphans(ctx, cutoff); err != nil {
		log.Printf("rollback: orphan redemption sweep failed: %v", err)
	} else if n > 0 {
		log.Printf("rollback: released %d orphaned benefit redemptions", n)
	}
}

// RunRollback executes the compensating actions for one transaction.
// It claims the transaction by moving its rollback state to
// IN_PROGRESS under a lease: the next-attempt timestamp is pushed to
// now+StaleAfter so a rollback interrupted by a crash becomes due
// again once the lease expires and is simply retried from scratch.
// Re-running is harmless because every compensation is idempotent per
// resource. On success every ACTIVE hold is released and every HELD
// redemption credited back, then the rollback is marked COMPLETE. On
// failure it is marked FAILED with the next attempt time pushed out
// exponentially.
func (o *Orchestrator) RunRollback(ctx context.Context, id string) error {
	claimed, err := o.store.MarkRollback(ctx, id,
		[]model.RollbackState{model.RollbackPending, model.RollbackFailed, model.RollbackInProgress},
		model.RollbackInProgress, -1, o.now().Add(o.cfg.StaleAfter))
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	tx, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	attempts := tx.RollbackAttempts + 1

	compErr := o.inventory.Release(ctx, id)
	if compErr == nil {
		compErr = o.benefits.Release(ctx, id)
	}

	if compErr == nil {
		if _, err := o.store.MarkRollback(ctx, id,
			[]model.RollbackState{model.RollbackInProgress},
			model.RollbackComplete, attempts, time.Time{}); err != nil {
			return err
		}
		log.Printf("rollback: transaction %s compensated (attempt %d)", id, attempts)
		return nil
	}

	nextAt := o.now().Add(o.backoff(attempts))
	if _, err := o.store.MarkRollback(ctx, id,
		[]model.RollbackState{model.RollbackInProgress},
		model.RollbackFailed, attempts, nextAt); err != nil {
		return err
	}
	if attempts >= o.cfg.MaxAttempts {
		log.Printf("rollback: transaction %s failed %d times, alerting: %v", id, attempts, compErr)
		o.sink.RollbackAlert(ctx, tx, attempts, compErr)
	}
	return fmt.Errorf("%w: attempt %d: %v", ErrRollbackFailed, attempts, compErr)
}

// backoff returns the delay before the next retry: base doubled per
// completed attempt, capped at the configured maximum.
func (o *Orchestrator) backoff(attempts int) time.Duration {
	d := o.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= o.cfg.BackoffMax {
			return o.cfg.BackoffMax
		}
	}
	if d > o.cfg.BackoffMax {
		d = o.cfg.BackoffMax
	}
	return d
}

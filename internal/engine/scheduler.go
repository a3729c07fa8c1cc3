package engine

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/iliyamo/ticket-marketplace/internal/model"
)

// Scheduler is the recurring sweep that fires time-based transitions:
// payment proof expiry and admin response timeout. Exactness is not
// required, only eventual firing, so any poll interval well under the
// shortest deadline window is correct. Every firing goes through the
// same conditional transition guard as the request operations, so a
// sweep that double-fires on a row is a safe no-op.
type Scheduler struct {
	engine   *Engine
	store    TransactionStore
	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
	on   bool
}

// NewScheduler constructs a deadline scheduler polling at the given
// interval.
func NewScheduler(e *Engine, store TransactionStore, interval time.Duration) *Scheduler {
	if e == nil || store == nil {
		panic("nil dependency passed to engine.NewScheduler")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		engine:   e,
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.on {
		return
	}
	s.on = true
	s.wg.Add(1)
	go s.run()
	log.Printf("scheduler: deadline sweep started (interval=%v)", s.interval)
}

// Stop halts the sweep and waits for the current pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.on {
		s.mu.Unlock()
		return
	}
	s.on = false
	s.mu.Unlock()
	close(s.stop)
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one pass over both deadline classes. Exposed so tests
// and operational tooling can trigger it directly.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.engine.now()

	expired, err := s.store.ListDeadlineExpired(ctx, model.StateWaitingForPayment, now)
	if err != nil {
		log.Printf("scheduler: list expired payment deadlines failed: %v", err)
	} else {
		for _, id := range expired {
			if _, err := s.engine.Expire(ctx, id); err != nil && !errors.Is(err, ErrInvalidTransition) {
				log.Printf("scheduler: expire %s failed: %v", id, err)
			}
		}
	}

	silent, err := s.store.ListDeadlineExpired(ctx, model.StateWaitingForAdmin, now)
	if err != nil {
		log.Printf("scheduler: list expired admin deadlines failed: %v", err)
		return
	}
	for _, id := range silent {
		if _, err := s.engine.AdminTimeout(ctx, id); err != nil && !errors.Is(err, ErrInvalidTransition) {
			log.Printf("scheduler: admin timeout %s failed: %v", id, err)
		}
	}
}

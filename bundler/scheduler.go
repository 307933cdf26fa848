package bundler

import (
	"context"
	"sync"

	"github.com/AvaProtocol/ap-bundler/pkg/logger"
	"github.com/AvaProtocol/ap-bundler/pkg/timekeeper"
)

// bundleSubmitter is satisfied by Relayer.
type bundleSubmitter interface {
	Submit(ctx context.Context, entries []*PoolEntry) error
}

// Scheduler owns the drain/submit cycle. It is a two-state machine: idle
// (waiting on a trigger) or draining (one cycle in flight). Triggers arriving
// mid-cycle coalesce into at most one pending cycle, so two submission
// attempts never race on the relayer account's nonce. Both the wall-clock
// interval and the pool-size threshold fire the same Trigger.
type Scheduler struct {
	pool      *Mempool
	submitter bundleSubmitter
	logger    logger.Logger

	trigger  chan struct{}
	quit     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	elapsing *timekeeper.Elapsing
}

func NewScheduler(pool *Mempool, submitter bundleSubmitter, lgr logger.Logger) *Scheduler {
	return &Scheduler{
		pool:      pool,
		submitter: submitter,
		logger:    logger.EnsureLogger(lgr),
		trigger:   make(chan struct{}, 1),
		quit:      make(chan struct{}),
		elapsing:  timekeeper.NewElapsing(),
	}
}

// Trigger requests a drain/submit cycle. Non-blocking; extra triggers while a
// cycle is pending or in flight are dropped.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Start launches the single worker goroutine. All cycles run on this
// goroutine, one at a time.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.quit:
				return
			case <-ctx.Done():
				return
			case <-s.trigger:
				s.cycle(ctx)
			}
		}
	}()
}

// Stop waits for an in-flight cycle to finish before returning, so a bundle
// transaction is never abandoned mid-submission.
func (s *Scheduler) Stop() {
	s.once.Do(func() {
		close(s.quit)
	})
	s.wg.Wait()
}

func (s *Scheduler) cycle(ctx context.Context) {
	entries := s.pool.DrainAll()
	if len(entries) == 0 {
		return
	}

	// The checkpoint kept advancing while the worker sat idle
	s.elapsing.Reset()
	s.logger.Info("draining pool into bundle", "ops", len(entries))
	// Submit handles its own failure recovery (requeue or dead-letter)
	_ = s.submitter.Submit(ctx, entries)
	s.logger.Info("bundle cycle finished", "ops", len(entries), "elapsed", s.elapsing.Report())
}

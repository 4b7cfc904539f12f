// Package scheduler runs the kernel's periodic jobs: the work-queue tick,
// stale-session recovery sweep, recovery-engine check and idempotency
// reconciliation sweep that cmd/kerneld registers after boot. Fixed-interval jobs are
// grounded on the teacher's automation/scheduler.go ticker-loop pattern
// (cancellable background goroutine, WaitGroup-joined Stop); cron-spec
// jobs are dispatched through robfig/cron/v3 instead of a second
// hand-rolled ticker, since the teacher already reaches for a real
// scheduling library when the job needs more than a fixed interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/0xHoneyJar/loa-beauvoir-sub001/infrastructure/logging"
)

// Job is a unit of periodic work. Errors are logged, not propagated —
// a sweep failing once should not stop future sweeps.
type Job func(ctx context.Context) error

// Scheduler runs fixed-interval jobs on their own goroutines plus
// cron-spec jobs through a shared robfig/cron engine.
type Scheduler struct {
	log *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	runCtx  context.Context
	wg      sync.WaitGroup
	running bool

	pendingIntervals []intervalJob
	cronEngine       *cron.Cron
}

// New constructs a Scheduler. log may be nil, in which case a discard
// logger is used.
func New(log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.NewDiscard("scheduler")
	}
	return &Scheduler{
		log:        log,
		cronEngine: cron.New(),
	}
}

// Name satisfies system.Service.
func (s *Scheduler) Name() string { return "scheduler" }

// RegisterInterval runs job every interval on its own goroutine once the
// Scheduler is started (or immediately, if already running).
func (s *Scheduler) RegisterInterval(name string, interval time.Duration, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.startIntervalLoop(s.runCtx, name, interval, job)
		return
	}

	s.pendingIntervals = append(s.pendingIntervals, intervalJob{name: name, interval: interval, job: job})
}

type intervalJob struct {
	name     string
	interval time.Duration
	job      Job
}

// RegisterCron runs job on the given cron spec (standard 5-field
// expression, or a descriptor such as "@every 1m"; a seconds field is not
// accepted).
func (s *Scheduler) RegisterCron(name string, spec string, job Job) error {
	_, err := s.cronEngine.AddFunc(spec, func() {
		ctx := context.Background()
		if err := job(ctx); err != nil {
			s.log.WithError(err).WithFields(map[string]interface{}{"job": name}).Warn("cron job failed")
		}
	})
	return err
}

// Start begins all registered interval jobs and the cron engine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runCtx = runCtx
	s.running = true
	pending := s.pendingIntervals
	s.pendingIntervals = nil
	s.mu.Unlock()

	for _, p := range pending {
		s.startIntervalLoop(runCtx, p.name, p.interval, p.job)
	}

	s.cronEngine.Start()
	return nil
}

func (s *Scheduler) startIntervalLoop(ctx context.Context, name string, interval time.Duration, job Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := job(ctx); err != nil {
					s.log.WithError(err).WithFields(map[string]interface{}{"job": name}).Warn("scheduled job failed")
				}
			}
		}
	}()
}

// Stop cancels all interval loops, stops the cron engine, and waits for
// in-flight jobs to finish or ctx to be done, whichever comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	cronStopCtx := s.cronEngine.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
		<-cronStopCtx.Done()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package escalation

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-travel-approvals/internal/metrics"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/errors"
	"github.com/pesio-ai/be-travel-approvals/internal/pkg/logger"
	"github.com/pesio-ai/be-travel-approvals/internal/repository"
	"github.com/pesio-ai/be-travel-approvals/internal/service"
)

var (
	// ErrSweepInProgress is returned when Sweep is called while another sweep
	// in this process is still running.
	ErrSweepInProgress = stderrors.New("escalation sweep already in progress")

	// ErrLeaseHeld is returned when another replica holds the sweep lease.
	ErrLeaseHeld = stderrors.New("escalation sweep lease held elsewhere")
)

// OverdueLister finds PENDING instances past their due date.
type OverdueLister interface {
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*repository.WorkflowInstance, error)
}

// TimeoutHandler applies a step's timeout policy to one instance.
type TimeoutHandler interface {
	HandleTimeout(ctx context.Context, wf *repository.WorkflowInstance) (service.TimeoutResult, error)
}

// Lease guards a sweep across replicas. release must be called when acquired
// is true.
type Lease interface {
	Acquire(ctx context.Context) (release func(), acquired bool, err error)
}

// Config controls sweep cadence and fan-out.
type Config struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Overdue      int           `json:"overdue"`
	AutoApproved int           `json:"auto_approved"`
	Escalated    int           `json:"escalated"`
	Skipped      int           `json:"skipped"`
	Conflicts    int           `json:"conflicts"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
}

// Scheduler periodically applies timeout policies to overdue workflows.
// Each instance is handled against the version it was listed with, so a
// human action that commits first wins and the sweep drops its attempt.
type Scheduler struct {
	lister  OverdueLister
	handler TimeoutHandler
	cfg     Config
	lease   Lease
	metrics *metrics.SchedulerMetrics
	now     func() time.Time
	log     *logger.Logger

	running  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLease coordinates sweeps across replicas.
func WithLease(l Lease) Option {
	return func(s *Scheduler) { s.lease = l }
}

// WithMetrics records sweep activity.
func WithMetrics(m *metrics.SchedulerMetrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a new Scheduler.
func NewScheduler(lister OverdueLister, handler TimeoutHandler, cfg Config, log *logger.Logger, opts ...Option) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	s := &Scheduler{
		lister:  lister,
		handler: handler,
		cfg:     cfg,
		now:     time.Now,
		log:     log.Component("escalation"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs a sweep every Interval until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		s.log.Info().Dur("interval", s.cfg.Interval).Msg("Escalation scheduler started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil {
					switch {
					case stderrors.Is(err, ErrLeaseHeld), stderrors.Is(err, ErrSweepInProgress):
						s.log.Debug().Err(err).Msg("Escalation sweep skipped")
					default:
						s.log.Error().Err(err).Msg("Escalation sweep failed")
					}
				}
			}
		}
	}()
}

// Stop ends the loop and waits for the current sweep to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	s.log.Info().Msg("Escalation scheduler stopped")
}

// Sweep handles one batch of overdue workflows. Individual failures are
// counted in the report rather than returned.
func (s *Scheduler) Sweep(ctx context.Context) (*SweepReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSweepInProgress
	}
	defer s.running.Store(false)

	if s.lease != nil {
		release, acquired, err := s.lease.Acquire(ctx)
		if err != nil {
			return nil, errors.Degraded("lease", err)
		}
		if !acquired {
			return nil, ErrLeaseHeld
		}
		defer release()
	}

	started := s.now()
	overdue, err := s.lister.ListOverdue(ctx, started, s.cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeOf(err), "failed to list overdue workflows")
	}

	report := &SweepReport{Overdue: len(overdue)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, wf := range overdue {
		g.Go(func() error {
			result, err := s.handler.HandleTimeout(gctx, wf)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				s.metrics.ObserveTimeout(string(result))
				switch result {
				case service.TimeoutAutoApproved:
					report.AutoApproved++
				case service.TimeoutEscalated:
					report.Escalated++
				default:
					report.Skipped++
				}
			case errors.IsCode(err, errors.ErrCodeConcurrencyConflict):
				report.Conflicts++
				s.metrics.ObserveConflict()
				s.log.Debug().Str("workflow_id", wf.ID).Msg("Timeout dropped, workflow changed concurrently")
			default:
				report.Failed++
				s.metrics.ObserveFailure()
				s.log.Warn().Err(err).Str("workflow_id", wf.ID).Msg("Timeout handling failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = s.now().Sub(started)
	s.metrics.ObserveSweep(report.Duration)

	if report.Overdue > 0 {
		s.log.Info().
			Int("overdue", report.Overdue).
			Int("auto_approved", report.AutoApproved).
			Int("escalated", report.Escalated).
			Int("conflicts", report.Conflicts).
			Int("failed", report.Failed).
			Dur("duration", report.Duration).
			Msg("Escalation sweep completed")
	}
	return report, nil
}

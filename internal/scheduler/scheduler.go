package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onboarding-workflow/internal/logging"
	"github.com/onboarding-workflow/internal/metrics"
)

// Result summarizes one reconciliation pass
type Result struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Reconciler brings every row matching its predicate one step forward.
// Row failures are counted in the Result; the error reports a pass that could
// not run at all.
type Reconciler interface {
	Reconcile(ctx context.Context) (Result, error)
}

// Options configures a Scheduler
type Options struct {
	// Resync runs a pass periodically. Zero disables it.
	Resync  time.Duration
	Metrics metrics.Metrics
	Logger  *logging.Logger
}

// Scheduler serializes the passes of one reconciler
type Scheduler struct {
	name       string
	reconciler Reconciler
	trigger    *Trigger
	resync     time.Duration
	metrics    metrics.Metrics
	logger     *logging.Logger

	passMu sync.Mutex

	mu      sync.RWMutex
	last    Result
	lastErr error
	lastRun time.Time
	passes  int
}

// New creates a scheduler for reconciler
func New(name string, reconciler Reconciler, opts Options) (*Scheduler, error) {
	if name == "" {
		return nil, fmt.Errorf("scheduler name is required")
	}
	if reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetGlobalLogger()
	}
	return &Scheduler{
		name:       name,
		reconciler: reconciler,
		trigger:    NewTrigger(),
		resync:     opts.Resync,
		metrics:    opts.Metrics,
		logger:     opts.Logger.WithComponent("scheduler").WithField("scheduler", name),
	}, nil
}

// Name returns the scheduler name
func (s *Scheduler) Name() string {
	return s.name
}

// Fire requests a pass. A pass requested while one is running starts once it ends.
func (s *Scheduler) Fire() {
	s.trigger.Fire()
}

// Run performs a pass at startup and then one per trigger or resync tick until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Scheduler started")
	s.pass(ctx)

	var tick <-chan time.Time
	if s.resync > 0 {
		ticker := time.NewTicker(s.resync)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-s.trigger.C():
			s.pass(ctx)
		case <-tick:
			s.pass(ctx)
		}
	}
}

// RunOnce performs one pass now, waiting for a running pass to finish first
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	start := time.Now()
	res, err := s.reconciler.Reconcile(ctx)

	s.mu.Lock()
	s.last, s.lastErr, s.lastRun = res, err, start
	s.passes++
	s.mu.Unlock()

	s.metrics.IncReconcilePasses(s.name, res.Failed)
	return res, err
}

func (s *Scheduler) pass(ctx context.Context) {
	res, err := s.RunOnce(ctx)
	logger := s.logger.WithFields(map[string]interface{}{
		"total":     res.Total,
		"processed": res.Processed,
		"failed":    res.Failed,
	})
	switch {
	case err != nil:
		if ctx.Err() == nil {
			logger.WithError(err).Error("Reconciliation pass failed")
		}
	case res.Failed > 0:
		logger.Warn("Reconciliation pass finished with failed rows")
	case res.Total > 0:
		logger.Info("Reconciliation pass finished")
	default:
		logger.Debug("Reconciliation pass found nothing to do")
	}
}

// Status is the outcome of the latest pass
type Status struct {
	Name    string    `json:"name"`
	Passes  int       `json:"passes"`
	LastRun time.Time `json:"lastRun,omitempty"`
	Last    Result    `json:"last"`
	Error   string    `json:"error,omitempty"`
	Pending bool      `json:"pending"`
}

// Status reports the latest pass
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		Name:    s.name,
		Passes:  s.passes,
		LastRun: s.lastRun,
		Last:    s.last,
		Pending: s.trigger.Pending(),
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	return st
}

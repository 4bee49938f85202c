// Package async provides the periodic job scheduler shared by venue adapters.
package async

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-md/errs"
	"github.com/coachpo/meltica-md/internal/infra/telemetry"
	"github.com/coachpo/meltica-md/internal/observability"
)

// Job is one unit of periodic work. It receives a context that is not cancelled by Stop, so a
// unit that has started always runs to completion.
type Job func(context.Context) error

// Scheduler runs repeating jobs under a single cancellation handle. Each job sleeps for its
// interval, runs once, and repeats. Stop interrupts sleeps immediately and waits for running
// units to return.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger observability.Logger
	wg     conc.WaitGroup

	mu      sync.Mutex
	names   map[string]struct{}
	stopped bool

	runs metric.Int64Counter
}

// NewScheduler creates a scheduler whose jobs also stop when parent is cancelled.
func NewScheduler(parent context.Context, logger observability.Logger) *Scheduler {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Scheduler{
		ctx:    ctx,
		cancel: cancel,
		logger: observability.OrDefault(logger),
		names:  make(map[string]struct{}),
	}
	s.runs, _ = otel.Meter("lib.async").Int64Counter("meltica_md_scheduler_runs",
		metric.WithDescription("Periodic job executions by job and result"),
		metric.WithUnit("{run}"))
	return s
}

// Every registers job to run every interval, starting one interval from now.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("job name required"))
	case interval <= 0:
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("job %s: interval must be > 0", name)))
	case job == nil:
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("job %s: nil job", name)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("scheduler stopped"))
	}
	if _, dup := s.names[name]; dup {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("job %s already scheduled", name)))
	}
	s.names[name] = struct{}{}
	s.wg.Go(func() { s.loop(name, interval, job) })
	return nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names)
}

// Stop cancels every job and waits for running units. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(name string, interval time.Duration, job Job) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		s.runOnce(name, job)
		timer.Reset(interval)
	}
}

func (s *Scheduler) runOnce(name string, job Job) {
	ctx := context.WithoutCancel(s.ctx)
	result := "success"
	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			s.logger.Error("scheduled job panicked", observability.F("job", name), observability.F("panic", r))
		}
		if s.runs != nil {
			s.runs.Add(ctx, 1, metric.WithAttributes(telemetry.JobAttributes(telemetry.Environment(), name, result)...))
		}
	}()
	if err := job(ctx); err != nil {
		result = "error"
		s.logger.Warn("scheduled job failed", observability.F("job", name), observability.Err(err))
	}
}

// Package scheduler runs the periodic background jobs of the service.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"equisync/internal/observability/metrics"
)

// Job is one periodic task. Exactly one of Interval or DailyAt is set.
// DailyAt is "HH:MM" in UTC.
type Job struct {
	Name       string
	Interval   time.Duration
	DailyAt    string
	RunOnStart bool
	Run        func(ctx context.Context) error
}

func (j Job) validate() error {
	if j.Name == "" {
		return errors.New("scheduler: job without name")
	}
	if j.Run == nil {
		return fmt.Errorf("scheduler: job %s without run func", j.Name)
	}
	if (j.Interval > 0) == (j.DailyAt != "") {
		return fmt.Errorf("scheduler: job %s needs exactly one of interval or daily_at", j.Name)
	}
	if j.DailyAt != "" {
		if _, _, err := parseDailyAt(j.DailyAt); err != nil {
			return fmt.Errorf("scheduler: job %s: %w", j.Name, err)
		}
	}
	return nil
}

// Scheduler triggers registered jobs until stopped. Runs of the same job never
// overlap.
type Scheduler struct {
	clock  clockwork.Clock
	logger *log.Logger

	mu      sync.Mutex
	jobs    []Job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithClock overrides the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs an idle scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clockwork.NewRealClock(),
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: already started")
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches one loop per job. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler: already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true
	for _, job := range s.jobs {
		job := job
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, job)
		}()
	}
	return nil
}

// Stop cancels every loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	if job.RunOnStart {
		s.runOnce(ctx, job)
	}
	period := job.Interval
	if job.DailyAt != "" {
		period = time.Minute
	}
	ticker := s.clock.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.Chan():
			if job.DailyAt != "" && !shouldRun(job.DailyAt, now.UTC()) {
				continue
			}
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	if err := job.Run(ctx); err != nil {
		metrics.IncJobRun(job.Name, metrics.ResultError)
		s.logger.Printf("scheduler: job %s error: %v", job.Name, err)
		return
	}
	metrics.IncJobRun(job.Name, metrics.ResultSuccess)
}

func shouldRun(dailyAt string, now time.Time) bool {
	hour, minute, err := parseDailyAt(dailyAt)
	if err != nil {
		return false
	}
	return now.Hour() == hour && now.Minute() == minute
}

func parseDailyAt(value string) (int, int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

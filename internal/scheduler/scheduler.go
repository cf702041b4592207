// Package scheduler runs the in-process job table. Every job gets its
// own ticker goroutine; the work itself runs on a separate goroutine so
// a slow pass never blocks the clock, and an in-flight flag drops ticks
// that arrive while the previous pass is still working.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/warroomhq/warroom/internal/alerts"
	"github.com/warroomhq/warroom/internal/config"
	"github.com/warroomhq/warroom/internal/metrics"
)

// JobFunc is one scheduled pass. A returned error counts toward the
// job's consecutive-failure streak.
type JobFunc func(ctx context.Context) error

// TradingHalt reports whether the kill switch is engaged
type TradingHalt interface {
	Engaged() bool
}

const defaultPauseAfter = 3

type job struct {
	name     string
	every    time.Duration
	daily    bool
	hour     int
	minute   int
	haltable bool
	fn       JobFunc

	mu       sync.Mutex
	inFlight bool
	failures int
	paused   bool
}

// JobStatus is one job's view for operators
type JobStatus struct {
	Name     string        `json:"name"`
	Every    time.Duration `json:"every,omitempty"`
	Daily    bool          `json:"daily"`
	Paused   bool          `json:"paused"`
	Failures int           `json:"consecutive_failures"`
	InFlight bool          `json:"in_flight"`
}

// Scheduler owns the job table. Register everything before Start; the
// zero job set is legal and Start simply waits for Stop.
type Scheduler struct {
	halt    TradingHalt
	alerter alerts.Alerter
	logger  zerolog.Logger

	pauseAfter int

	mu      sync.Mutex
	jobs    []*job
	byName  map[string]*job
	started bool

	tickCtx     context.Context
	cancelTicks context.CancelFunc
	runCtx      context.Context
	cancelRuns  context.CancelFunc
	wg          sync.WaitGroup
}

// New creates a scheduler. halt and alerter may be nil; without a halt
// every job runs regardless of the kill switch, and without an alerter
// pauses are only logged.
func New(halt TradingHalt, alerter alerts.Alerter, cfg config.SchedulerConfig, logger zerolog.Logger) *Scheduler {
	pauseAfter := cfg.PauseAfterFailures
	if pauseAfter <= 0 {
		pauseAfter = defaultPauseAfter
	}
	return &Scheduler{
		halt:       halt,
		alerter:    alerter,
		logger:     logger.With().Str("component", "scheduler").Logger(),
		pauseAfter: pauseAfter,
		byName:     make(map[string]*job),
	}
}

// Register adds an interval job that runs regardless of the kill switch
func (s *Scheduler) Register(name string, every time.Duration, fn JobFunc) error {
	return s.add(&job{name: name, every: every, fn: fn})
}

// RegisterTrading adds an interval job on the trading path. One that is
// skipped while the kill switch is engaged.
func (s *Scheduler) RegisterTrading(name string, every time.Duration, fn JobFunc) error {
	return s.add(&job{name: name, every: every, fn: fn, haltable: true})
}

// RegisterDaily adds a job that fires once a day at hh:mm UTC
func (s *Scheduler) RegisterDaily(name string, hour, minute int, fn JobFunc) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("invalid daily time %02d:%02d for job %q", hour, minute, name)
	}
	return s.add(&job{name: name, daily: true, hour: hour, minute: minute, fn: fn})
}

func (s *Scheduler) add(j *job) error {
	if j.name == "" {
		return fmt.Errorf("job name must not be empty")
	}
	if j.fn == nil {
		return fmt.Errorf("job %q has no function", j.name)
	}
	if !j.daily && j.every <= 0 {
		return fmt.Errorf("job %q has no interval", j.name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("cannot register job %q after start", j.name)
	}
	if _, exists := s.byName[j.name]; exists {
		return fmt.Errorf("job %q already registered", j.name)
	}
	s.jobs = append(s.jobs, j)
	s.byName[j.name] = j
	metrics.SchedulerJobPaused.WithLabelValues(j.name).Set(0)
	return nil
}

// Start launches one goroutine per job. Returns an error when called
// twice.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true

	s.tickCtx, s.cancelTicks = context.WithCancel(context.Background())
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())

	for _, j := range s.jobs {
		s.wg.Add(1)
		if j.daily {
			go s.dailyLoop(j)
		} else {
			go s.intervalLoop(j)
		}
		evt := s.logger.Info().Str("job", j.name)
		if j.daily {
			evt = evt.Str("at", fmt.Sprintf("%02d:%02d UTC", j.hour, j.minute))
		} else {
			evt = evt.Dur("every", j.every)
		}
		evt.Msg("Job scheduled")
	}
	return nil
}

// Stop halts the clock, then waits for in-flight passes to drain. When
// ctx expires first the run context is cancelled so blocked jobs abort,
// and the wait resumes until they return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	cancelTicks := s.cancelTicks
	cancelRuns := s.cancelRuns
	s.mu.Unlock()

	cancelTicks()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancelRuns()
		s.logger.Info().Msg("Scheduler stopped")
		return nil
	case <-ctx.Done():
		cancelRuns()
		<-done
		s.logger.Warn().Msg("Scheduler stop deadline hit, in-flight jobs aborted")
		return ctx.Err()
	}
}

// Pause takes a job out of rotation until Resume
func (s *Scheduler) Pause(name string) error {
	j, err := s.job(name)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.paused = true
	j.mu.Unlock()
	metrics.SchedulerJobPaused.WithLabelValues(name).Set(1)
	s.logger.Info().Str("job", name).Msg("Job paused")
	return nil
}

// Resume puts a paused job back into rotation and clears its failure
// streak.
func (s *Scheduler) Resume(name string) error {
	j, err := s.job(name)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.paused = false
	j.failures = 0
	j.mu.Unlock()
	metrics.SchedulerJobPaused.WithLabelValues(name).Set(0)
	s.logger.Info().Str("job", name).Msg("Job resumed")
	return nil
}

// Jobs reports every registered job's current state, in registration
// order.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	jobs := make([]*job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, j := range jobs {
		j.mu.Lock()
		out = append(out, JobStatus{
			Name:     j.name,
			Every:    j.every,
			Daily:    j.daily,
			Paused:   j.paused,
			Failures: j.failures,
			InFlight: j.inFlight,
		})
		j.mu.Unlock()
	}
	return out
}

func (s *Scheduler) job(name string) (*job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("unknown job %q", name)
	}
	return j, nil
}

func (s *Scheduler) intervalLoop(j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.every)
	defer ticker.Stop()

	for {
		select {
		case <-s.tickCtx.Done():
			return
		case <-ticker.C:
			s.fire(j)
		}
	}
}

func (s *Scheduler) dailyLoop(j *job) {
	defer s.wg.Done()
	for {
		timer := time.NewTimer(time.Until(nextUTC(time.Now().UTC(), j.hour, j.minute)))
		select {
		case <-s.tickCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(j)
		}
	}
}

// fire starts one pass unless the job is halted, paused, or still
// working the previous tick.
func (s *Scheduler) fire(j *job) {
	if j.haltable && s.halt != nil && s.halt.Engaged() {
		s.logger.Debug().Str("job", j.name).Msg("Kill switch engaged, skipping tick")
		return
	}

	j.mu.Lock()
	if j.paused {
		j.mu.Unlock()
		return
	}
	if j.inFlight {
		j.mu.Unlock()
		metrics.SchedulerJobSkips.WithLabelValues(j.name).Inc()
		s.logger.Warn().Str("job", j.name).Msg("Previous run still active, tick skipped")
		return
	}
	j.inFlight = true
	j.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(j)
	}()
}

func (s *Scheduler) run(j *job) {
	started := time.Now()
	err := j.fn(s.runCtx)
	elapsed := time.Since(started)
	metrics.SchedulerJobDuration.WithLabelValues(j.name).Observe(float64(elapsed.Milliseconds()))

	j.mu.Lock()
	j.inFlight = false
	var pausedNow bool
	var failures int
	if err != nil {
		j.failures++
		failures = j.failures
		if failures >= s.pauseAfter && !j.paused {
			j.paused = true
			pausedNow = true
		}
	} else {
		j.failures = 0
	}
	j.mu.Unlock()

	if err == nil {
		metrics.SchedulerJobRuns.WithLabelValues(j.name, "ok").Inc()
		s.logger.Debug().Str("job", j.name).Dur("elapsed", elapsed).Msg("Job completed")
		return
	}

	metrics.SchedulerJobRuns.WithLabelValues(j.name, "error").Inc()
	metrics.RecordError("job_failure", "scheduler")
	s.logger.Error().
		Err(err).
		Str("job", j.name).
		Int("consecutive_failures", failures).
		Dur("elapsed", elapsed).
		Msg("Job failed")

	if pausedNow {
		metrics.SchedulerJobPaused.WithLabelValues(j.name).Set(1)
		s.alertPaused(j, failures, err)
	}
}

func (s *Scheduler) alertPaused(j *job, failures int, cause error) {
	s.logger.Error().
		Str("job", j.name).
		Int("consecutive_failures", failures).
		Msg("Job paused after repeated failures")
	if s.alerter == nil {
		return
	}
	alert := alerts.Alert{
		Title:    "Scheduled job paused",
		Message:  fmt.Sprintf("%s failed %d times in a row and is paused until resumed: %v", j.name, failures, cause),
		Severity: alerts.SeverityCritical,
		Metadata: map[string]interface{}{"job": j.name},
	}
	if err := s.alerter.Send(s.runCtx, alert); err != nil {
		s.logger.Error().Err(err).Str("job", j.name).Msg("Failed to send pause alert")
	}
}

// nextUTC returns the next occurrence of hh:mm UTC strictly after now
func nextUTC(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

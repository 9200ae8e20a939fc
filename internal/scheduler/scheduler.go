// Package scheduler runs periodic and manual checks of monitored URLs.
//
// Each job has at most one check in flight. A trigger that arrives while a
// check is in flight joins it instead of starting another one. The number of
// checks fetching at the same time is bounded by a weighted semaphore.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/sykell/url-monitor/internal/classifier"
	"github.com/sykell/url-monitor/internal/crawler"
	"github.com/sykell/url-monitor/internal/db"
	"github.com/sykell/url-monitor/internal/notify"
	"github.com/sykell/url-monitor/internal/service"
)

// FlagInternalError marks a run whose check panicked
const FlagInternalError = "internal_error"

// ErrStopped is returned by Trigger once the scheduler has been stopped. It
// matches service.ErrNoRunner.
var ErrStopped = fmt.Errorf("stopped: %w", service.ErrNoRunner)

// Fetcher downloads and extracts a page
type Fetcher interface {
	Fetch(ctx context.Context, address string, mode db.JobMode) (*crawler.Page, error)
}

// Classifier turns a page into a verdict
type Classifier interface {
	Classify(page *crawler.Page) classifier.Verdict
}

// Notifier delivers risk alerts
type Notifier interface {
	Notify(ctx context.Context, webhookURL string, alert notify.Alert) error
}

// Config holds scheduler configuration
type Config struct {
	TickInterval time.Duration
	Concurrency  int
	CheckTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration
func DefaultConfig() *Config {
	return &Config{
		TickInterval: 5 * time.Second,
		Concurrency:  4,
		CheckTimeout: 60 * time.Second,
	}
}

type inflight struct {
	runID     string
	cancel    context.CancelFunc
	cancelled bool
}

// Scheduler decides when jobs are due and runs their checks
type Scheduler struct {
	jobs       *service.JobService
	fetcher    Fetcher
	classifier Classifier
	notifier   Notifier
	config     *Config
	clock      clockwork.Clock
	sem        *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	checks sync.WaitGroup
	loop   sync.WaitGroup

	mu        sync.Mutex
	inflight  map[string]*inflight
	isRunning bool
	stopped   bool
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock overrides the clock driving ticks and run timestamps
func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithNotifier enables webhook alerts
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// New creates a scheduler. It does not tick until Start is called, but
// Trigger works right away.
func New(jobs *service.JobService, fetcher Fetcher, cls Classifier, config *Config, opts ...Option) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultConfig().TickInterval
	}
	if config.CheckTimeout <= 0 {
		config.CheckTimeout = DefaultConfig().CheckTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		jobs:       jobs,
		fetcher:    fetcher,
		classifier: cls,
		config:     config,
		clock:      clockwork.NewRealClock(),
		sem:        semaphore.NewWeighted(int64(config.Concurrency)),
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start marks runs abandoned by a previous process and starts the tick loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.isRunning || s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running or stopped")
	}
	s.isRunning = true
	s.mu.Unlock()

	n, err := s.jobs.FailStaleRuns(s.ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Warn().Int64("runs", n).Msg("Marked interrupted runs as failed")
	}

	s.loop.Add(1)
	go s.run()

	log.Info().
		Dur("tick", s.config.TickInterval).
		Int("concurrency", s.config.Concurrency).
		Dur("check_timeout", s.config.CheckTimeout).
		Msg("Scheduler started")
	return nil
}

// Stop ends the tick loop, cancels in-flight checks and waits for them.
// Cancelled checks are recorded as interrupted.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.isRunning = false
	s.mu.Unlock()

	s.cancel()
	s.loop.Wait()
	s.checks.Wait()

	log.Info().Msg("Scheduler stopped")
}

// Wait blocks until every check started so far has finished
func (s *Scheduler) Wait() {
	s.checks.Wait()
}

func (s *Scheduler) run() {
	defer s.loop.Done()

	ticker := s.clock.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.Tick(s.ctx)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			s.Tick(s.ctx)
		}
	}
}

// Tick starts a scheduled check for every due job and returns how many new
// checks it started. A job is due once its interval has elapsed since its
// last scheduled run, or since creation if it never had one; however late
// the tick is, a due job gets a single run.
func (s *Scheduler) Tick(ctx context.Context) int {
	jobs, err := s.jobs.Schedulable(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list schedulable jobs")
		return 0
	}

	now := s.clock.Now().UTC()
	started := 0
	for _, job := range jobs {
		due, err := s.isDue(ctx, job, now)
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to compute schedule")
			continue
		}
		if !due {
			continue
		}

		res, err := s.Trigger(ctx, job, db.TriggerScheduled)
		if err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to trigger scheduled check")
			continue
		}
		if !res.Joined {
			started++
		}
	}
	return started
}

func (s *Scheduler) isDue(ctx context.Context, job db.Job, now time.Time) (bool, error) {
	last, ok, err := s.jobs.LastScheduledStart(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		last = job.CreatedAt
	}
	next := last.Add(time.Duration(job.IntervalSeconds) * time.Second)
	return !now.Before(next), nil
}

// Trigger starts a check of job, or joins the one already in flight. It
// returns without waiting for the check; the run id is allocated up front so
// callers can follow it.
func (s *Scheduler) Trigger(ctx context.Context, job db.Job, trigger db.RunTrigger) (service.TriggerResult, error) {
	if err := ctx.Err(); err != nil {
		return service.TriggerResult{}, err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return service.TriggerResult{}, ErrStopped
	}
	if f, ok := s.inflight[job.ID]; ok {
		s.mu.Unlock()
		return service.TriggerResult{RunID: f.runID, Joined: true}, nil
	}

	checkCtx, cancel := context.WithCancel(s.ctx)
	f := &inflight{runID: uuid.NewString(), cancel: cancel}
	s.inflight[job.ID] = f
	s.checks.Add(1)
	s.mu.Unlock()

	go s.check(checkCtx, f, job, trigger)

	return service.TriggerResult{RunID: f.runID}, nil
}

// Cancel abandons the in-flight check of jobID, if any. Its result is
// discarded.
func (s *Scheduler) Cancel(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f, ok := s.inflight[jobID]; ok {
		f.cancelled = true
		f.cancel()
	}
}

// InFlight returns the run id of the check in flight for jobID
func (s *Scheduler) InFlight(jobID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.inflight[jobID]
	if !ok {
		return "", false
	}
	return f.runID, true
}

func (s *Scheduler) wasCancelled(f *inflight) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return f.cancelled
}

func (s *Scheduler) release(jobID string, f *inflight) {
	s.mu.Lock()
	if s.inflight[jobID] == f {
		delete(s.inflight, jobID)
	}
	s.mu.Unlock()
	f.cancel()
}

// check runs one check: pending until a semaphore slot is free, then running
// until the run is recorded as completed or failed.
func (s *Scheduler) check(ctx context.Context, f *inflight, job db.Job, trigger db.RunTrigger) {
	defer s.checks.Done()
	defer s.release(job.ID, f)

	logger := log.With().
		Str("job_id", job.ID).
		Str("run_id", f.runID).
		Str("trigger", string(trigger)).
		Logger()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		logger.Debug().Msg("Check abandoned while pending")
		return
	}
	releaseSlot := sync.OnceFunc(func() { s.sem.Release(1) })
	defer releaseSlot()

	current, run, err := s.jobs.BeginRun(ctx, job.ID, f.runID, trigger)
	if err != nil {
		if service.IsNotFound(err) {
			logger.Debug().Msg("Job deleted before check started")
		} else if ctx.Err() == nil {
			logger.Error().Err(err).Msg("Failed to record run start")
		}
		return
	}

	recorded := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Check panicked")
			if recorded {
				return
			}
			run.Status = db.RunFailed
			run.RiskLevel = nil
			run.Flags = []string{FlagInternalError}
			run.Evidence = []db.Evidence{}
			run.Error = fmt.Sprintf("internal error: %v", r)
			s.finish(ctx, f, run, logger)
		}
	}()

	fetchCtx, cancelFetch := context.WithTimeout(ctx, s.config.CheckTimeout)
	page, fetchErr := s.fetcher.Fetch(fetchCtx, current.URL, current.Mode)
	cancelFetch()

	var alert *notify.Alert
	switch {
	case ctx.Err() != nil:
		if s.wasCancelled(f) {
			logger.Info().Msg("Check cancelled, result discarded")
			return
		}
		run.Status = db.RunFailed
		run.Flags = []string{service.FlagInterrupted}
		run.Error = "check interrupted by shutdown"
	case fetchErr != nil:
		run.Status = db.RunFailed
		run.Flags = []string{crawler.FailureFlag(fetchErr)}
		run.Error = fetchErr.Error()
	default:
		alert = s.evaluate(ctx, current, run, page, logger)
	}

	if recorded = s.finish(ctx, f, run, logger); !recorded {
		return
	}
	releaseSlot()
	// the run is recorded; new triggers start a fresh check while the alert is delivered
	s.release(job.ID, f)

	if alert != nil && s.notifier != nil && current.WebhookURL != "" {
		if err := s.notifier.Notify(s.ctx, current.WebhookURL, *alert); err != nil {
			logger.Warn().Err(err).Msg("Failed to deliver risk alert")
		}
	}
}

// evaluate fills in the verdict of a successful fetch. Content identical to
// the latest completed run keeps that run's verdict and raises no alert.
func (s *Scheduler) evaluate(ctx context.Context, job *db.Job, run *db.Run, page *crawler.Page, logger zerolog.Logger) *notify.Alert {
	now := s.clock.Now().UTC()
	run.Status = db.RunCompleted
	run.ContentHash = page.Hash
	run.FinishedAt = &now

	prev, err := s.jobs.LatestCompletedRun(ctx, job.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load previous run, classifying from scratch")
		prev = nil
	}

	if prev != nil && prev.RiskLevel != nil && prev.ContentHash == page.Hash {
		level := *prev.RiskLevel
		run.RiskLevel = &level
		run.Flags = append([]string{}, prev.Flags...)
		run.Evidence = append([]db.Evidence{}, prev.Evidence...)
		run.RiskAt = prev.RiskAt
		logger.Debug().Msg("Content unchanged, verdict carried forward")
		return nil
	}

	verdict := s.classifier.Classify(page)
	run.RiskLevel = &verdict.RiskLevel
	run.Flags = verdict.Flags
	run.Evidence = verdict.Evidence
	if verdict.RiskLevel == db.RiskNone {
		run.RiskAt = nil
		return nil
	}

	run.RiskAt = &now
	if prev != nil && prev.RiskLevel != nil && *prev.RiskLevel != db.RiskNone && prev.RiskAt != nil {
		run.RiskAt = prev.RiskAt
	}

	logger.Info().Str("risk_level", string(verdict.RiskLevel)).Strs("flags", verdict.Flags).Msg("Risk detected")
	return &notify.Alert{
		JobID:     job.ID,
		RunID:     run.ID,
		URL:       job.URL,
		RiskLevel: verdict.RiskLevel,
		Flags:     verdict.Flags,
		Evidence:  verdict.Evidence,
		Timestamp: now,
	}
}

// finish records the terminal run unless the job was deleted meanwhile
func (s *Scheduler) finish(ctx context.Context, f *inflight, run *db.Run, logger zerolog.Logger) bool {
	if s.wasCancelled(f) {
		logger.Info().Msg("Job deleted during check, result discarded")
		return false
	}
	if run.FinishedAt == nil {
		now := s.clock.Now().UTC()
		run.FinishedAt = &now
	}

	// still record the outcome when ctx was cancelled by shutdown
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.jobs.FinishRun(writeCtx, run); err != nil {
		if service.IsNotFound(err) {
			logger.Info().Msg("Job deleted during check, result discarded")
		} else {
			logger.Error().Err(err).Msg("Failed to record run result")
		}
		return false
	}

	event := logger.Info()
	if run.Status == db.RunFailed {
		event = logger.Warn().Str("error", run.Error)
	}
	event.Str("status", string(run.Status)).Strs("flags", run.Flags).Msg("Check finished")
	return true
}

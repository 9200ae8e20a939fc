package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"

	"github.com/sykell/url-monitor/internal/db"
)

// TriggerResult tells a caller what a run request turned into
// Skipped results start no check; Reason says why.
type TriggerResult struct {
	RunID   string `json:"run_id,omitempty"`
	Joined  bool   `json:"joined"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Runner executes checks out of band. Implemented by the scheduler.
type Runner interface {
	Trigger(ctx context.Context, job db.Job, trigger db.RunTrigger) (TriggerResult, error)
	Cancel(jobID string)
}

// CreateJobInput carries the user supplied fields of a new job
type CreateJobInput struct {
	URL             string
	IntervalSeconds int
	Mode            db.JobMode
	WebhookURL      string
}

// UpdateJobInput carries optional changes to an existing job
type UpdateJobInput struct {
	IntervalSeconds *int
	Mode            *db.JobMode
	WebhookURL      *string
	Status          *db.JobStatus
}

// JobService is the durable store of jobs and their runs
type JobService struct {
	db             *gorm.DB
	clock          clockwork.Clock
	locks          *keyedMutex
	runner         Runner
	defaultWebhook string
}

// Option configures a JobService
type Option func(*JobService)

// WithClock overrides the clock used for timestamps
func WithClock(c clockwork.Clock) Option {
	return func(s *JobService) { s.clock = c }
}

// WithDefaultWebhook sets the webhook used by jobs created without one
func WithDefaultWebhook(url string) Option {
	return func(s *JobService) { s.defaultWebhook = url }
}

// NewJobService creates a job store over dbConn
func NewJobService(dbConn *gorm.DB, opts ...Option) *JobService {
	s := &JobService{
		db:    dbConn,
		clock: clockwork.NewRealClock(),
		locks: newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetRunner attaches the scheduler used by RunNow and Delete
func (s *JobService) SetRunner(r Runner) {
	s.runner = r
}

// Create validates in and persists a new active job
func (s *JobService) Create(ctx context.Context, in CreateJobInput) (*db.Job, error) {
	address, err := NormalizeURL(in.URL)
	if err != nil {
		return nil, err
	}
	if in.IntervalSeconds <= 0 {
		return nil, invalid("interval_seconds", "must be positive, got %d", in.IntervalSeconds)
	}
	mode := in.Mode
	if mode == "" {
		mode = db.ModeAuto
	}
	if !mode.Valid() {
		return nil, invalid("mode", "must be one of static, dynamic, auto")
	}
	webhook := in.WebhookURL
	if webhook == "" {
		webhook = s.defaultWebhook
	}
	if webhook != "" {
		if webhook, err = normalizeWebhook(webhook); err != nil {
			return nil, err
		}
	}

	now := s.clock.Now().UTC()
	job := db.Job{
		ID:              uuid.NewString(),
		URL:             address,
		Domain:          RegistrableDomain(address),
		IntervalSeconds: in.IntervalSeconds,
		Mode:            mode,
		WebhookURL:      webhook,
		Status:          db.JobActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	unlock := s.locks.Lock(job.ID)
	defer unlock()

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, fatal("create job", err)
	}
	return &job, nil
}

// List returns jobs ordered by creation time, optionally filtered by status
func (s *JobService) List(ctx context.Context, status db.JobStatus) ([]db.Job, error) {
	query := s.db.WithContext(ctx).Model(&db.Job{})
	if status != "" {
		query = query.Where("status = ?", status)
	}

	jobs := make([]db.Job, 0)
	if err := query.Order("created_at asc").Order("id asc").Find(&jobs).Error; err != nil {
		return nil, fatal("list jobs", err)
	}
	return jobs, nil
}

// Schedulable returns the jobs the scheduler should consider
func (s *JobService) Schedulable(ctx context.Context) ([]db.Job, error) {
	jobs := make([]db.Job, 0)
	err := s.db.WithContext(ctx).
		Where("status IN ?", []db.JobStatus{db.JobActive, db.JobError}).
		Order("created_at asc").
		Find(&jobs).Error
	if err != nil {
		return nil, fatal("list schedulable jobs", err)
	}
	return jobs, nil
}

// Get retrieves a job by id
func (s *JobService) Get(ctx context.Context, id string) (*db.Job, error) {
	return getJob(s.db.WithContext(ctx), id)
}

func getJob(tx *gorm.DB, id string) (*db.Job, error) {
	var job db.Job
	err := tx.Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fatal("get job", err)
	}
	return &job, nil
}

// Update applies in to the job with the given id
func (s *JobService) Update(ctx context.Context, id string, in UpdateJobInput) (*db.Job, error) {
	updates := map[string]interface{}{}

	if in.IntervalSeconds != nil {
		if *in.IntervalSeconds <= 0 {
			return nil, invalid("interval_seconds", "must be positive, got %d", *in.IntervalSeconds)
		}
		updates["interval_seconds"] = *in.IntervalSeconds
	}
	if in.Mode != nil {
		if !in.Mode.Valid() {
			return nil, invalid("mode", "must be one of static, dynamic, auto")
		}
		updates["mode"] = *in.Mode
	}
	if in.WebhookURL != nil {
		webhook := *in.WebhookURL
		if webhook != "" {
			var err error
			if webhook, err = normalizeWebhook(webhook); err != nil {
				return nil, err
			}
		}
		updates["webhook_url"] = webhook
	}
	if in.Status != nil {
		// error is owned by the scheduler
		if *in.Status != db.JobActive && *in.Status != db.JobPaused {
			return nil, invalid("status", "must be active or paused")
		}
		updates["status"] = *in.Status
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var job *db.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if job, err = getJob(tx, id); err != nil {
			return err
		}
		if len(updates) == 0 {
			return nil
		}
		updates["updated_at"] = s.clock.Now().UTC()
		if err := tx.Model(&db.Job{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return fatal("update job", err)
		}
		job, err = getJob(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Delete removes the job and its runs and abandons any in-flight check.
// Deleting an unknown id reports ErrNotFound.
func (s *JobService) Delete(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getJob(tx, id); err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&db.Run{}).Error; err != nil {
			return fatal("delete runs", err)
		}
		if err := tx.Where("id = ?", id).Delete(&db.Job{}).Error; err != nil {
			return fatal("delete job", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.runner != nil {
		s.runner.Cancel(id)
	}
	return nil
}

// RunNow requests an immediate manual check. The interval schedule is not
// affected. Paused jobs are skipped.
func (s *JobService) RunNow(ctx context.Context, id string) (TriggerResult, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	job, err := getJob(s.db.WithContext(ctx), id)
	if err != nil {
		return TriggerResult{}, err
	}
	if job.Status == db.JobPaused {
		return TriggerResult{Skipped: true, Reason: string(db.JobPaused)}, nil
	}
	if s.runner == nil {
		return TriggerResult{}, ErrNoRunner
	}
	return s.runner.Trigger(ctx, *job, db.TriggerManual)
}

func normalizeWebhook(raw string) (string, error) {
	address, err := NormalizeURL(raw)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			ve.Field = "webhook_url"
		}
		return "", err
	}
	return address, nil
}

// clockNow is shared by the run bookkeeping in run_service.go
func (s *JobService) clockNow() time.Time {
	return s.clock.Now().UTC()
}

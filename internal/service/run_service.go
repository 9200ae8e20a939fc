package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sykell/url-monitor/internal/db"
)

// DefaultRunsLimit bounds ListRuns when the caller passes no limit
const DefaultRunsLimit = 50

// FlagInterrupted marks runs that were still running when the process stopped
const FlagInterrupted = "interrupted"

// ListRuns returns the most recent runs of a job, newest first
func (s *JobService) ListRuns(ctx context.Context, jobID string, limit int) ([]db.Run, error) {
	if limit <= 0 {
		limit = DefaultRunsLimit
	}

	tx := s.db.WithContext(ctx)
	if _, err := getJob(tx, jobID); err != nil {
		return nil, err
	}

	runs := make([]db.Run, 0)
	err := tx.Where("job_id = ?", jobID).
		Order("started_at desc").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, fatal("list runs", err)
	}
	return runs, nil
}

// BeginRun records a new running run for jobID under runID (generated when
// empty). It fails with ErrNotFound once the job has been deleted, which is
// how a check racing a delete learns to give up.
func (s *JobService) BeginRun(ctx context.Context, jobID, runID string, trigger db.RunTrigger) (*db.Job, *db.Run, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	unlock := s.locks.Lock(jobID)
	defer unlock()

	var job *db.Job
	run := &db.Run{
		ID:        runID,
		JobID:     jobID,
		Trigger:   trigger,
		Status:    db.RunRunning,
		StartedAt: s.clockNow(),
		Flags:     []string{},
		Evidence:  []db.Evidence{},
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if job, err = getJob(tx, jobID); err != nil {
			return err
		}
		if err := tx.Create(run).Error; err != nil {
			return fatal("create run", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return job, run, nil
}

// FinishRun stores the terminal state of run and moves the job to active or
// error. A run whose job was deleted meanwhile is discarded with ErrNotFound.
func (s *JobService) FinishRun(ctx context.Context, run *db.Run) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s: status %q is not terminal", run.ID, run.Status)
	}
	if run.FinishedAt == nil {
		now := s.clockNow()
		run.FinishedAt = &now
	}

	unlock := s.locks.Lock(run.JobID)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.Run{}).
			Where("id = ? AND status = ?", run.ID, db.RunRunning).
			Select("status", "finished_at", "risk_level", "flags", "evidence", "content_hash", "risk_at", "error").
			Updates(run)
		if result.Error != nil {
			return fatal("finish run", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		jobStatus := db.JobActive
		if run.Status == db.RunFailed {
			jobStatus = db.JobError
		}
		err := tx.Model(&db.Job{}).
			Where("id = ? AND status <> ?", run.JobID, db.JobPaused).
			Update("status", jobStatus).Error
		if err != nil {
			return fatal("update job status", err)
		}
		return nil
	})
}

// LatestCompletedRun returns the newest completed run of a job, or nil
func (s *JobService) LatestCompletedRun(ctx context.Context, jobID string) (*db.Run, error) {
	runs := make([]db.Run, 0, 1)
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND status = ?", jobID, db.RunCompleted).
		Order("started_at desc").
		Limit(1).
		Find(&runs).Error
	if err != nil {
		return nil, fatal("latest completed run", err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// LastScheduledStart returns when the newest scheduled run of a job started.
// Manual runs are ignored so that they never move the interval schedule.
func (s *JobService) LastScheduledStart(ctx context.Context, jobID string) (time.Time, bool, error) {
	runs := make([]db.Run, 0, 1)
	err := s.db.WithContext(ctx).
		Select("id", "started_at").
		Where("job_id = ? AND triggered_by = ?", jobID, db.TriggerScheduled).
		Order("started_at desc").
		Limit(1).
		Find(&runs).Error
	if err != nil {
		return time.Time{}, false, fatal("last scheduled run", err)
	}
	if len(runs) == 0 {
		return time.Time{}, false, nil
	}
	return runs[0].StartedAt, true, nil
}

// FailStaleRuns marks runs left running by a previous process as failed
func (s *JobService) FailStaleRuns(ctx context.Context) (int64, error) {
	now := s.clockNow()
	result := s.db.WithContext(ctx).
		Model(&db.Run{}).
		Where("status = ?", db.RunRunning).
		Updates(db.Run{
			Status:     db.RunFailed,
			FinishedAt: &now,
			Flags:      []string{FlagInterrupted},
			Error:      "check interrupted before it finished",
		})
	if result.Error != nil {
		return 0, fatal("fail stale runs", result.Error)
	}
	return result.RowsAffected, nil
}

// IsNotFound reports whether err means the job is gone
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

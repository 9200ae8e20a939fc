package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

type JobStatus string

const (
	JobActive JobStatus = "active"
	JobPaused JobStatus = "paused"
	JobError  JobStatus = "error"
)

type JobMode string

const (
	ModeStatic  JobMode = "static"
	ModeDynamic JobMode = "dynamic"
	ModeAuto    JobMode = "auto"
)

// Valid reports whether m is a known fetch mode
func (m JobMode) Valid() bool {
	switch m {
	case ModeStatic, ModeDynamic, ModeAuto:
		return true
	}
	return false
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
)

type RiskLevel string

const (
	RiskNone   RiskLevel = "none"
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Job represents a monitored URL and its check configuration
type Job struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	URL             string    `gorm:"not null;size:768" json:"url"`
	Domain          string    `gorm:"size:255;index" json:"domain"`
	IntervalSeconds int       `gorm:"not null" json:"interval_seconds"`
	IntervalLabel   string    `gorm:"-" json:"interval_label"`
	Mode            JobMode   `gorm:"size:16;not null;default:'auto'" json:"mode"`
	WebhookURL      string    `gorm:"size:768" json:"webhook_url"`
	Status          JobStatus `gorm:"size:16;not null;default:'active';index" json:"status"`
	CreatedAt       time.Time `gorm:"index" json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	Runs            []Run     `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"-"`
}

var intervalLabels = map[int]string{
	300:   "5 min",
	900:   "15 min",
	3600:  "1 h",
	21600: "6 h",
	86400: "24 h",
}

// IntervalLabel names the standard check frequencies and falls back to
// literal seconds for anything else.
func IntervalLabel(seconds int) string {
	if label, ok := intervalLabels[seconds]; ok {
		return label
	}
	return fmt.Sprintf("%ds", seconds)
}

func (j *Job) AfterFind(tx *gorm.DB) error {
	j.IntervalLabel = IntervalLabel(j.IntervalSeconds)
	return nil
}

func (j *Job) AfterSave(tx *gorm.DB) error {
	j.IntervalLabel = IntervalLabel(j.IntervalSeconds)
	return nil
}

// Evidence names the text that made a rule match
type Evidence struct {
	Rule    string `json:"rule"`
	Source  string `json:"source"`
	Snippet string `json:"snippet"`
}

// Run is one execution of a check for a Job
type Run struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	JobID       string     `gorm:"size:36;not null;index:idx_runs_job_started,priority:1" json:"job_id"`
	Trigger     RunTrigger `gorm:"column:triggered_by;size:16;not null" json:"trigger"`
	Status      RunStatus  `gorm:"size:16;not null;index" json:"status"`
	StartedAt   time.Time  `gorm:"not null;index:idx_runs_job_started,priority:2" json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	RiskLevel   *RiskLevel `gorm:"size:16" json:"risk_level"`
	Flags       []string   `gorm:"serializer:json" json:"flags"`
	Evidence    []Evidence `gorm:"serializer:json" json:"evidence"`
	ContentHash string     `gorm:"size:64" json:"content_hash,omitempty"`
	RiskAt      *time.Time `json:"risk_at"`
	Error       string     `gorm:"type:text" json:"error,omitempty"`
}

// User represents an authenticated API operator
type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null;size:100" json:"username"`
	Password  string    `gorm:"not null;size:255" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

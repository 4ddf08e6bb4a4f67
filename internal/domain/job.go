package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Stage names every job passes through. Producers may report any other label
// while the job is running; only COMPLETED and FAILED are terminal.
const (
	StagePending   = "PENDING"
	StageCompleted = "COMPLETED"
	StageFailed    = "FAILED"
)

// TerminalStages lists the stages a job can never leave.
var TerminalStages = []string{StageCompleted, StageFailed}

// IsTerminalStage reports whether stage ends a job's lifecycle.
func IsTerminalStage(stage string) bool {
	return stage == StageCompleted || stage == StageFailed
}

// Job is the durable record of one tracked unit of background work.
type Job struct {
	ID           string            `gorm:"type:text;primaryKey" json:"id"`
	JobType      string            `gorm:"type:text;not null;index:idx_tracked_jobs_resource,priority:1" json:"job_type"`
	Resource     string            `gorm:"type:text;index:idx_tracked_jobs_resource,priority:2" json:"resource"`
	ResourceID   string            `gorm:"type:text;index:idx_tracked_jobs_resource,priority:3" json:"resource_id"`
	OwnerID      string            `gorm:"type:text;not null;index" json:"owner_id"`
	Stage        string            `gorm:"type:text;not null;default:PENDING;index" json:"stage"`
	Progress     int               `gorm:"default:0" json:"progress"`
	Message      string            `json:"message"`
	Metadata     datatypes.JSONMap `gorm:"type:json" json:"metadata,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt    time.Time         `gorm:"index" json:"updated_at"`
}

// TableName returns the database table name for Job.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Job) TableName() string {
	return "tracked_jobs"
}

// IsTerminal reports whether the job has reached COMPLETED or FAILED.
func (j *Job) IsTerminal() bool {
	return IsTerminalStage(j.Stage)
}

// ClampProgress bounds an advisory progress value into 0..100.
func ClampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}

package hmlr

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobRunStatus is the outbox-pattern lifecycle of a background job record
// (scribe day/week synthesis, block summarization).
type JobRunStatus string

const (
	JobRunStatusPending   JobRunStatus = "pending"
	JobRunStatusRunning   JobRunStatus = "running"
	JobRunStatusSucceeded JobRunStatus = "succeeded"
	JobRunStatusFailed    JobRunStatus = "failed"
)

// JobRun is the durable outbox row a background worker claims, executes,
// and marks terminal. Kept distinct from Temporal's own workflow history
// so HTTP handlers can answer "what's the state of my last synthesis run"
// with a single row read instead of a workflow query.
type JobRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobType     string         `gorm:"size:64;not null;index:idx_jobruns_type" json:"jobType"`
	Status      JobRunStatus   `gorm:"size:16;not null;index:idx_jobruns_status" json:"status"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'" json:"payload"`
	Result      datatypes.JSON `gorm:"type:jsonb" json:"result,omitempty"`
	Error       *string        `gorm:"type:text" json:"error,omitempty"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	CreatedAt   time.Time      `gorm:"not null" json:"createdAt"`
	UpdatedAt   time.Time      `gorm:"not null" json:"updatedAt"`
}

func (JobRun) TableName() string { return "hmlr_job_runs" }

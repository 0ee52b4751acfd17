package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// JobStatus is the dispatch state of a device job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobError     JobStatus = "error"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobError:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobError:
		return true
	}
	return false
}

// CanTransition enforces queued -> running -> {completed, error}.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobQueued:
		return next == JobRunning
	case JobRunning:
		return next == JobCompleted || next == JobError
	case JobCompleted, JobError:
		return false
	}
	return false
}

func (s *JobStatus) Scan(src interface{}) error {
	var v string
	switch x := src.(type) {
	case string:
		v = x
	case []byte:
		v = string(x)
	default:
		return fmt.Errorf("job status: unsupported type %T", src)
	}
	st := JobStatus(v)
	if !st.Valid() {
		return fmt.Errorf("job status: unknown value %q", v)
	}
	*s = st
	return nil
}

func (s JobStatus) Value() (driver.Value, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("job status: unknown value %q", string(s))
	}
	return string(s), nil
}

type Job struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	DeviceID     uuid.UUID       `db:"device_id" json:"device_id"`
	Type         string          `db:"type" json:"type"`
	Payload      types.JSONText  `db:"payload" json:"payload"`
	Status       JobStatus       `db:"status" json:"status"`
	Attempts     int             `db:"attempts" json:"attempts"`
	Result       *types.JSONText `db:"result" json:"result"`
	Error        *string         `db:"error" json:"error"`
	DispatchedAt *time.Time      `db:"dispatched_at" json:"dispatched_at"`
	FinishedAt   *time.Time      `db:"finished_at" json:"finished_at"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

const JobColumns = `id, device_id, type, payload, status, attempts, result, error,
	dispatched_at, finished_at, created_at, updated_at`

// DispatchedJob is the device-facing view of a claimed job.
type DispatchedJob struct {
	ID      uuid.UUID      `json:"id"`
	Type    string         `json:"type"`
	Payload types.JSONText `json:"payload"`
}

func (j *Job) Dispatched() *DispatchedJob {
	return &DispatchedJob{ID: j.ID, Type: j.Type, Payload: j.Payload}
}

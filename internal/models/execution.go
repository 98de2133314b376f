package models

import "time"

type ExecStatus string

const (
	ExecStatusPending ExecStatus = "pending"
	ExecStatusRunning ExecStatus = "running"
	ExecStatusExited  ExecStatus = "exited"
	ExecStatusFailed  ExecStatus = "failed"
	ExecStatusSkipped ExecStatus = "skipped"
)

type Execution struct {
	ID          int64
	RunID       int64
	StepID      string
	Entity      string
	Kind        StepKind
	Status      ExecStatus
	ExitCode    *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	PID         *int
	SequenceNum int
}

// EntityRecord is the last known state of one entity within a run.
type EntityRecord struct {
	RunID     int64
	Entity    string
	State     EntityState
	UpdatedAt time.Time
}

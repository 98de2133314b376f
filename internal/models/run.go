package models

import "time"

type RunStatus string

const (
	RunStatusPending  RunStatus = "pending"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
	RunStatusStopped  RunStatus = "stopped"
)

type Run struct {
	ID            int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
	SessionName   string
	WorkspacePath string
	Status        RunStatus
	Error         string

	// LauncherPID is the simlaunch process executing the run.
	LauncherPID *int
}

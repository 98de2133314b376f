// Package launcher is the host runtime: it executes a composed session,
// starting each step when its gating bindings allow and recording every
// process in the run store.
package launcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/mpataki/simlaunch/internal/logging"
	"github.com/mpataki/simlaunch/internal/models"
	"github.com/mpataki/simlaunch/internal/storage"
	"github.com/mpataki/simlaunch/internal/workspace"
)

type Launcher struct {
	storage      *storage.Storage
	workspaceDir string

	runner    Runner
	ros2      []string
	stopGrace time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	stdout    io.Writer
	onState   func(entity string, state models.EntityState)
}

type Option func(*Launcher)

func WithRunner(r Runner) Option {
	return func(l *Launcher) { l.runner = r }
}

// WithROS2 sets the ros2 command line, e.g. ("pixi", "run", "ros2").
func WithROS2(program string, args ...string) Option {
	return func(l *Launcher) { l.ros2 = append([]string{program}, args...) }
}

// WithStopGrace sets how long stopped steps get between SIGINT and SIGKILL.
func WithStopGrace(d time.Duration) Option {
	return func(l *Launcher) { l.stopGrace = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Launcher) { l.logger = logger }
}

func WithMetrics(m *Metrics) Option {
	return func(l *Launcher) { l.metrics = m }
}

// WithStdout sets where screen-policy step output is forwarded.
func WithStdout(w io.Writer) Option {
	return func(l *Launcher) { l.stdout = w }
}

// WithEntityListener registers a callback for every entity state change.
// It runs on the dispatch goroutine and must not block.
func WithEntityListener(fn func(entity string, state models.EntityState)) Option {
	return func(l *Launcher) { l.onState = fn }
}

func New(store *storage.Storage, workspaceDir string, opts ...Option) *Launcher {
	l := &Launcher{
		storage:      store,
		workspaceDir: workspaceDir,
		runner:       ExecRunner{},
		ros2:         []string{"ros2"},
		stopGrace:    10 * time.Second,
		logger:       logging.NewNop(),
		stdout:       os.Stdout,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.stdout = &lockedWriter{w: l.stdout}
	return l
}

// StartRun records a new run for the session and prepares its workspace.
func (l *Launcher) StartRun(sess *models.Session) (*models.Run, error) {
	run := &models.Run{
		SessionName: sess.Name(),
		Status:      models.RunStatusPending,
	}

	runID, err := l.storage.CreateRun(run)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	run.ID = runID

	ws, err := workspace.Create(l.workspaceDir, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	run.WorkspacePath = ws.Path
	if err := l.storage.UpdateRun(run); err != nil {
		return nil, fmt.Errorf("failed to update run with workspace path: %w", err)
	}

	options := make(map[string]string)
	for _, o := range sess.Options() {
		options[o.Name] = o.Value
	}
	meta := &workspace.RunMetadata{
		RunID:       runID,
		SessionName: sess.Name(),
		Entities:    sess.Entities(),
		Actions:     sess.Actions(),
		Options:     options,
	}
	if err := ws.WriteRunMetadata(meta); err != nil {
		return nil, err
	}

	return run, nil
}

// Execute runs the session until every started process has exited. Steps
// with no incoming binding start immediately; a dependent starts only after
// its watched step exits with code 0. Cancelling ctx stops the session.
//
// Process failures are reported through the run and entity states, not
// as errors. Execute returns an error only if the run cannot be recorded.
func (l *Launcher) Execute(ctx context.Context, run *models.Run, sess *models.Session) error {
	ws, err := workspace.Open(l.workspaceDir, run.ID)
	if err != nil {
		return err
	}

	pid := os.Getpid()
	run.LauncherPID = &pid
	run.Status = models.RunStatusRunning
	if err := l.storage.UpdateRun(run); err != nil {
		return err
	}

	d, err := newDispatcher(l, run, ws, sess)
	if err != nil {
		return err
	}
	return d.loop(ctx)
}

// Read methods for the CLI and TUI

func (l *Launcher) ListRuns(limit int) ([]*models.Run, error) {
	return l.storage.ListRuns(limit)
}

func (l *Launcher) GetRun(id int64) (*models.Run, error) {
	return l.storage.GetRun(id)
}

func (l *Launcher) GetExecutionsForRun(runID int64) ([]*models.Execution, error) {
	return l.storage.GetExecutionsForRun(runID)
}

func (l *Launcher) GetEntityStates(runID int64) ([]*models.EntityRecord, error) {
	return l.storage.GetEntityStates(runID)
}

func (l *Launcher) ReadStepLog(runID int64, stepID string) (string, error) {
	run, err := l.storage.GetRun(runID)
	if err != nil {
		return "", fmt.Errorf("failed to get run: %w", err)
	}
	return workspace.OpenPath(run.WorkspacePath).ReadLog(stepID)
}

// KillRun stops a run from outside the launching process. The launcher is
// asked to stop gracefully and every step process group still marked
// running is killed.
func (l *Launcher) KillRun(runID int64) error {
	run, err := l.storage.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}

	if run.Status == models.RunStatusRunning && run.LauncherPID != nil {
		syscall.Kill(*run.LauncherPID, syscall.SIGTERM)
	}

	running, err := l.storage.GetRunningExecutionsForRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get running executions: %w", err)
	}

	now := time.Now()
	for _, exec := range running {
		if exec.PID != nil {
			// Kill the process group to ensure child processes are also killed
			syscall.Kill(-*exec.PID, syscall.SIGKILL)
		}
		exec.Status = models.ExecStatusFailed
		exec.CompletedAt = &now
		if err := l.storage.UpdateExecution(exec); err != nil {
			return err
		}
	}

	if run.Status == models.RunStatusRunning || run.Status == models.RunStatusPending {
		run.Status = models.RunStatusStopped
		run.CompletedAt = &now
		return l.storage.UpdateRun(run)
	}
	return nil
}

func (l *Launcher) DeleteRun(runID int64) error {
	run, err := l.storage.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run.Status == models.RunStatusRunning {
		return fmt.Errorf("run %d is still running, kill it first", runID)
	}

	if run.WorkspacePath != "" {
		if err := workspace.OpenPath(run.WorkspacePath).Remove(); err != nil {
			return fmt.Errorf("failed to remove workspace: %w", err)
		}
	}

	return l.storage.DeleteRun(runID)
}

package tui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/simlaunch/internal/models"
)

type fakeBackend struct {
	runs     []*models.Run
	execs    map[int64][]*models.Execution
	entities map[int64][]*models.EntityRecord
	logs     map[string]string
	killed   []int64
	deleted  []int64
	err      error
}

func (f *fakeBackend) ListRuns(limit int) ([]*models.Run, error) { return f.runs, f.err }

func (f *fakeBackend) GetRun(id int64) (*models.Run, error) {
	for _, r := range f.runs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, errors.New("run not found")
}

func (f *fakeBackend) GetExecutionsForRun(runID int64) ([]*models.Execution, error) {
	return f.execs[runID], nil
}

func (f *fakeBackend) GetEntityStates(runID int64) ([]*models.EntityRecord, error) {
	return f.entities[runID], nil
}

func (f *fakeBackend) ReadStepLog(runID int64, stepID string) (string, error) {
	content, ok := f.logs[stepID]
	if !ok {
		return "", errors.New("no log for step " + stepID)
	}
	return content, nil
}

func (f *fakeBackend) KillRun(id int64) error {
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeBackend) DeleteRun(id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func newTestBackend() *fakeBackend {
	code := 1
	started := time.Now().Add(-3 * time.Second)
	return &fakeBackend{
		runs: []*models.Run{
			{ID: 2, SessionName: "diff_drive_pair", Status: models.RunStatusRunning, CreatedAt: time.Now()},
			{ID: 1, SessionName: "diff_drive_triple", Status: models.RunStatusFailed, Error: "entities failed: r3", CreatedAt: time.Now().Add(-2 * time.Hour)},
		},
		execs: map[int64][]*models.Execution{
			2: {
				{ID: 1, RunID: 2, StepID: "world", Status: models.ExecStatusRunning, StartedAt: &started, SequenceNum: 1},
				{ID: 2, RunID: 2, StepID: "r1/spawn", Status: models.ExecStatusFailed, ExitCode: &code, SequenceNum: 2},
				{ID: 3, RunID: 2, StepID: "r1/broadcaster", Status: models.ExecStatusSkipped, SequenceNum: 3},
			},
		},
		entities: map[int64][]*models.EntityRecord{
			2: {{RunID: 2, Entity: "r1", State: models.EntityFailed}},
		},
		logs: map[string]string{"r1/spawn": "requesting entity\nservice call failed\n"},
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press sends a key and feeds any resulting message back into the app.
func press(t *testing.T, a *App, k string) {
	t.Helper()
	_, cmd := a.Update(key(k))
	if cmd != nil {
		if msg := cmd(); msg != nil {
			a.Update(msg)
		}
	}
}

func loaded(t *testing.T, b *fakeBackend) *App {
	t.Helper()
	a := NewApp(b, nil)
	a.Update(a.loadRuns())
	require.NoError(t, a.err)
	return a
}

func TestRunList(t *testing.T) {
	a := loaded(t, newTestBackend())

	assert.True(t, a.hasRunningRuns())
	out := a.View()
	assert.Contains(t, out, "#2")
	assert.Contains(t, out, "diff_drive_triple")
	assert.Contains(t, out, "entities failed: r3")

	press(t, a, "down")
	assert.Equal(t, 1, a.selectedIdx)
	press(t, a, "down")
	assert.Equal(t, 1, a.selectedIdx)
	press(t, a, "k")
	assert.Equal(t, 0, a.selectedIdx)
}

func TestRunDetail(t *testing.T) {
	a := loaded(t, newTestBackend())

	press(t, a, "enter")
	require.Equal(t, ViewRunDetail, a.view)
	require.NotNil(t, a.selectedRun)
	assert.Equal(t, int64(2), a.selectedRun.ID)

	out := a.View()
	assert.Contains(t, out, "Run #2: diff_drive_pair")
	assert.Contains(t, out, "r1")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "r1/broadcaster")
	assert.Contains(t, out, "exit:1")
}

func TestStepLog(t *testing.T) {
	a := loaded(t, newTestBackend())
	press(t, a, "enter")

	press(t, a, "j")
	press(t, a, "enter")
	require.Equal(t, ViewLog, a.view)
	assert.Equal(t, "r1/spawn", a.logStep)
	assert.Contains(t, a.View(), "service call failed")

	press(t, a, "esc")
	assert.Equal(t, ViewRunDetail, a.view)
}

func TestStepLog_Missing(t *testing.T) {
	a := loaded(t, newTestBackend())
	press(t, a, "enter")

	press(t, a, "enter")
	assert.Equal(t, ViewRunDetail, a.view)
	require.Error(t, a.err)
	assert.Contains(t, a.err.Error(), "no log for step world")
}

func TestKillAndDelete(t *testing.T) {
	b := newTestBackend()
	a := loaded(t, b)

	press(t, a, "x")
	assert.Equal(t, []int64{2}, b.killed)

	press(t, a, "j")
	press(t, a, "d")
	assert.Equal(t, []int64{1}, b.deleted)
}

func TestSessionsView(t *testing.T) {
	a := NewApp(newTestBackend(), map[string]*models.Manifest{
		"diff_drive_pair": {Name: "diff_drive_pair", Description: "Two robots"},
		"row":             {Name: "row", Script: "sessions/row.lua"},
		"solo":            {Name: "solo", Entities: []models.Entity{{Name: "s"}}},
	})

	press(t, a, "s")
	require.Equal(t, ViewSessions, a.view)

	out := a.View()
	assert.Contains(t, out, "Two robots")
	assert.Contains(t, out, "script sessions/row.lua")
	assert.Contains(t, out, "1 entities")

	press(t, a, "esc")
	assert.Equal(t, ViewRunList, a.view)
}

func TestListError(t *testing.T) {
	b := newTestBackend()
	b.err = errors.New("database is locked")
	a := NewApp(b, nil)
	a.Update(a.loadRuns())

	assert.Contains(t, a.View(), "database is locked")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", formatDuration(250*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "3m5s", formatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h10m", formatDuration(2*time.Hour+10*time.Minute))
}

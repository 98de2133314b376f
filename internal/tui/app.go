package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/simlaunch/internal/models"
)

// Backend is the part of the launcher the dashboard reads and controls.
type Backend interface {
	ListRuns(limit int) ([]*models.Run, error)
	GetRun(id int64) (*models.Run, error)
	GetExecutionsForRun(runID int64) ([]*models.Execution, error)
	GetEntityStates(runID int64) ([]*models.EntityRecord, error)
	ReadStepLog(runID int64, stepID string) (string, error)
	KillRun(id int64) error
	DeleteRun(id int64) error
}

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewSessions
	ViewLog
)

type App struct {
	backend  Backend
	sessions map[string]*models.Manifest

	view            View
	runs            []*models.Run
	selectedIdx     int
	selectedRun     *models.Run
	executions      []*models.Execution
	entities        []*models.EntityRecord
	selectedExecIdx int
	logStep         string
	logView         viewport.Model

	width  int
	height int
	err    error
}

func NewApp(backend Backend, sessions map[string]*models.Manifest) *App {
	return &App{
		backend:  backend,
		sessions: sessions,
		view:     ViewRunList,
		logView:  viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasRunningRuns() bool {
	for _, run := range a.runs {
		if run.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.logView.Width = msg.Width
		a.logView.Height = max(msg.Height-4, 1)
		return a, nil

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		switch {
		case a.view == ViewRunList && a.hasRunningRuns():
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		case a.view == ViewRunDetail && a.selectedRun != nil && a.selectedRun.Status == models.RunStatusRunning:
			return a, tea.Batch(a.loadRunDetail(a.selectedRun.ID), a.tickCmd())
		}
		// Keep ticking to detect new running runs
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err == nil {
			a.selectedRun = msg.run
			a.executions = msg.executions
			a.entities = msg.entities
			if a.selectedExecIdx >= len(a.executions) {
				a.selectedExecIdx = max(len(a.executions)-1, 0)
			}
			a.view = ViewRunDetail
		}
		return a, nil

	case runKilledMsg:
		a.err = msg.err
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		return a, a.loadRuns

	case logLoadedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.logStep = msg.stepID
		a.logView.SetContent(msg.content)
		a.logView.GotoBottom()
		a.view = ViewLog
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewSessions:
		return a.handleSessionsKey(msg)
	case ViewLog:
		return a.handleLogKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.currentRun(); run != nil {
			a.selectedExecIdx = 0
			return a, a.loadRunDetail(run.ID)
		}

	case "s":
		a.view = ViewSessions

	case "r":
		return a, a.loadRuns

	case "x":
		if run := a.currentRun(); run != nil {
			return a, a.killRun(run.ID)
		}

	case "d":
		if run := a.currentRun(); run != nil {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *App) currentRun() *models.Run {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.executions = nil
		a.entities = nil
		a.selectedExecIdx = 0
		return a, a.loadRuns

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedExecIdx > 0 {
			a.selectedExecIdx--
		}

	case "down", "j":
		if a.selectedExecIdx < len(a.executions)-1 {
			a.selectedExecIdx++
		}

	case "enter", "l":
		if a.selectedRun != nil && a.selectedExecIdx < len(a.executions) {
			return a, a.loadLog(a.selectedRun.ID, a.executions[a.selectedExecIdx].StepID)
		}

	case "x":
		if a.selectedRun != nil {
			id := a.selectedRun.ID
			return a, tea.Sequence(a.killRun(id), a.loadRunDetail(id))
		}
	}

	return a, nil
}

func (a *App) handleSessionsKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList

	case "ctrl+c":
		return a, tea.Quit
	}

	return a, nil
}

func (a *App) handleLogKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		a.logStep = ""
		a.logView.SetContent("")
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.logView, cmd = a.logView.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewSessions:
		return a.viewSessions()
	case ViewLog:
		return a.viewLog()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStopped  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("simlaunch") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with 'simlaunch launch'.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			isSelected := i == a.selectedIdx
			isRunning := run.Status == models.RunStatusRunning

			if isSelected {
				line = selectedStyle.Render("▶ " + line)
			} else if !isRunning {
				// Dim finished runs
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [s] sessions  [x] kill  [d] delete  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := a.formatStatus(run.Status)
	age := a.formatAge(run.CreatedAt)
	return fmt.Sprintf("#%-3d %-20s %s  %-6s  %s", run.ID, run.SessionName, status, age, truncate(run.Error, 35))
}

func (a *App) formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		days := int(d.Hours() / 24)
		return fmt.Sprintf("%dd", days)
	}
}

func (a *App) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusStopped:
		return statusStopped.Render("■ stopped")
	default:
		return string(status)
	}
}

func formatEntityState(state models.EntityState) string {
	switch state {
	case models.EntityReady:
		return statusComplete.Render(string(state))
	case models.EntityFailed:
		return statusFailed.Render(string(state))
	case models.EntityIdle:
		return dimStyle.Render(string(state))
	default:
		return statusRunning.Render(string(state))
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run #%d: %s", run.ID, run.SessionName)
	s := titleStyle.Render(header) + "  " + a.formatStatus(run.Status) + "\n\n"

	if run.Error != "" {
		s += statusFailed.Render(run.Error) + "\n\n"
	}

	s += labelStyle.Render("Workspace: ") + dimStyle.Render(run.WorkspacePath) + "\n\n"

	if len(a.entities) > 0 {
		s += "Entities\n"
		s += "────────\n"
		for _, e := range a.entities {
			s += fmt.Sprintf("  %-12s %s\n", e.Entity, formatEntityState(e.State))
		}
		s += "\n"
	}

	s += "Steps\n"
	s += "─────\n"

	if len(a.executions) == 0 {
		s += "(no steps yet)\n"
	} else {
		for i, exec := range a.executions {
			status := "○"
			switch exec.Status {
			case models.ExecStatusExited:
				status = statusComplete.Render("✓")
			case models.ExecStatusRunning:
				status = statusRunning.Render("●")
			case models.ExecStatusFailed:
				status = statusFailed.Render("✗")
			case models.ExecStatusSkipped:
				status = dimStyle.Render("-")
			}

			exitCode := ""
			if exec.ExitCode != nil {
				if *exec.ExitCode == 0 {
					exitCode = dimStyle.Render("exit:0")
				} else {
					exitCode = statusFailed.Render(fmt.Sprintf("exit:%d", *exec.ExitCode))
				}
			}

			duration := ""
			if exec.StartedAt != nil && exec.CompletedAt != nil {
				d := exec.CompletedAt.Sub(*exec.StartedAt)
				duration = dimStyle.Render(formatDuration(d))
			} else if exec.StartedAt != nil && exec.Status == models.ExecStatusRunning {
				d := time.Since(*exec.StartedAt)
				duration = statusRunning.Render(formatDuration(d) + "...")
			}

			// Build line: "3. r1/state_publisher  ●  12s..."
			line := fmt.Sprintf("%2d. %-20s %s", exec.SequenceNum, exec.StepID, status)
			if exitCode != "" {
				line += "  " + exitCode
			}
			if duration != "" {
				line += "  " + fmt.Sprintf("%6s", duration)
			}

			if i == a.selectedExecIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] log  [x] kill  [esc] back")

	return s
}

func (a *App) viewSessions() string {
	s := titleStyle.Render("Sessions") + "\n\n"

	names := make([]string, 0, len(a.sessions))
	for name := range a.sessions {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m := a.sessions[name]
		detail := m.Description
		switch {
		case m.Script != "":
			detail = "script " + m.Script
		case detail == "":
			detail = fmt.Sprintf("%d entities", len(m.Entities))
		}
		s += fmt.Sprintf("  • %-20s %s\n", name, dimStyle.Render(detail))
	}

	if len(a.sessions) == 0 {
		s += "  (no sessions found)\n"
	}

	s += "\n" + helpStyle.Render("launch with 'simlaunch launch <session>'  [esc] back")

	return s
}

func (a *App) viewLog() string {
	s := titleStyle.Render("Log: "+a.logStep) + "\n\n"
	s += a.logView.View() + "\n"
	s += helpStyle.Render(fmt.Sprintf("%3.f%%  [↑/↓] scroll  [esc] back", a.logView.ScrollPercent()*100))
	return s
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run        *models.Run
	executions []*models.Execution
	entities   []*models.EntityRecord
	err        error
}

type runKilledMsg struct {
	runID int64
	err   error
}

type runDeletedMsg struct {
	runID int64
	err   error
}

type logLoadedMsg struct {
	stepID  string
	content string
	err     error
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.backend.ListRuns(20)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		run, err := a.backend.GetRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		execs, err := a.backend.GetExecutionsForRun(id)
		if err != nil {
			return runDetailMsg{err: err}
		}

		entities, err := a.backend.GetEntityStates(id)
		return runDetailMsg{run: run, executions: execs, entities: entities, err: err}
	}
}

func (a *App) killRun(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.backend.KillRun(id); err != nil {
			return runKilledMsg{err: err}
		}
		return runKilledMsg{runID: id}
	}
}

func (a *App) deleteRun(id int64) tea.Cmd {
	return func() tea.Msg {
		if err := a.backend.DeleteRun(id); err != nil {
			return runDeletedMsg{err: err}
		}
		return runDeletedMsg{runID: id}
	}
}

func (a *App) loadLog(runID int64, stepID string) tea.Cmd {
	return func() tea.Msg {
		content, err := a.backend.ReadStepLog(runID, stepID)
		if err != nil {
			return logLoadedMsg{err: err}
		}
		if strings.TrimSpace(content) == "" {
			content = "(no output)"
		}
		return logLoadedMsg{stepID: stepID, content: content}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}

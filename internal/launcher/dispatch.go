package launcher

import (
	"context"
	"io"
	"strings"
	"syscall"
	"time"

	"github.com/mpataki/simlaunch/internal/models"
	"github.com/mpataki/simlaunch/internal/workspace"
)

type eventKind int

const (
	eventStarted eventKind = iota
	eventExited
)

type event struct {
	kind   eventKind
	stepID string
	proc   Process
	code   int
	err    error
}

// dispatcher owns all state of one executing run. Only the loop goroutine
// touches its fields; step goroutines communicate through events.
type dispatcher struct {
	l   *Launcher
	run *models.Run
	ws  *workspace.Workspace

	steps      map[string]models.Step
	order      []string
	dependents map[string][]string
	gated      map[string]bool
	execs      map[string]*models.Execution
	lifecycles map[string]*Lifecycle
	entities   []string

	procs          map[string]Process
	inflight       int
	stopping       bool
	sharedFailures []string
	events         chan event
	err            error
}

func newDispatcher(l *Launcher, run *models.Run, ws *workspace.Workspace, sess *models.Session) (*dispatcher, error) {
	d := &dispatcher{
		l:          l,
		run:        run,
		ws:         ws,
		steps:      make(map[string]models.Step),
		dependents: make(map[string][]string),
		gated:      make(map[string]bool),
		execs:      make(map[string]*models.Execution),
		lifecycles: make(map[string]*Lifecycle),
		procs:      make(map[string]Process),
		events:     make(chan event),
	}

	for i, step := range sess.Steps() {
		exec := &models.Execution{
			RunID:       run.ID,
			StepID:      step.ID,
			Entity:      step.Entity,
			Kind:        step.Kind,
			Status:      models.ExecStatusPending,
			SequenceNum: i + 1,
		}
		id, err := l.storage.CreateExecution(exec)
		if err != nil {
			return nil, err
		}
		exec.ID = id

		d.steps[step.ID] = step
		d.order = append(d.order, step.ID)
		d.execs[step.ID] = exec
	}

	for _, b := range sess.Bindings() {
		d.dependents[b.Watched] = append(d.dependents[b.Watched], b.Dependents...)
		for _, dep := range b.Dependents {
			d.gated[dep] = true
		}
	}

	for _, e := range sess.Entities() {
		d.lifecycles[e.Name] = NewLifecycle(e.Name)
		d.entities = append(d.entities, e.Name)
		if err := l.storage.SetEntityState(run.ID, e.Name, models.EntityIdle); err != nil {
			return nil, err
		}
		l.metrics.entityMoved("", models.EntityIdle)
	}

	return d, nil
}

func (d *dispatcher) loop(ctx context.Context) error {
	for _, id := range d.order {
		if !d.gated[id] {
			d.dispatch(ctx, id)
		}
	}

	done := ctx.Done()
	var kill <-chan time.Time

	for d.inflight > 0 {
		select {
		case ev := <-d.events:
			d.handle(ctx, ev)

		case <-done:
			done = nil
			d.stopping = true
			d.l.logger.Info("stopping session", "run", d.run.ID, "running", len(d.procs))
			d.signalAll(syscall.SIGINT)
			kill = time.After(d.l.stopGrace)

		case <-kill:
			kill = nil
			d.l.logger.Warn("stop grace period elapsed", "run", d.run.ID, "running", len(d.procs))
			d.signalAll(syscall.SIGKILL)
		}
	}

	d.finish()
	return d.err
}

func (d *dispatcher) dispatch(ctx context.Context, id string) {
	step := d.steps[id]
	d.fire(step, SignalLaunched)
	d.inflight++
	d.l.metrics.stepLaunched(step.Kind)
	d.l.logger.Info("launching step", "run", d.run.ID, "step", id)

	go d.launch(ctx, step)
}

// launch runs on its own goroutine for the lifetime of one step.
func (d *dispatcher) launch(ctx context.Context, step models.Step) {
	out, closeOut, err := d.output(step)
	if err != nil {
		d.events <- event{kind: eventExited, stepID: step.ID, code: -1, err: err}
		return
	}

	path, args, err := prepare(ctx, d.l.runner, d.ws, d.l.ros2, step)
	if err != nil {
		closeOut()
		d.events <- event{kind: eventExited, stepID: step.ID, code: -1, err: err}
		return
	}

	proc, err := d.l.runner.Start(Command{
		StepID: step.ID,
		Path:   path,
		Args:   args,
		Stdout: out,
		Stderr: out,
	})
	if err != nil {
		closeOut()
		d.events <- event{kind: eventExited, stepID: step.ID, code: -1, err: err}
		return
	}

	d.events <- event{kind: eventStarted, stepID: step.ID, proc: proc}
	code, err := proc.Wait()
	closeOut()
	d.events <- event{kind: eventExited, stepID: step.ID, code: code, err: err}
}

// output returns the writer for a step's stdout and stderr. Everything goes
// to the step log; screen steps are also forwarded to the launcher's stdout.
func (d *dispatcher) output(step models.Step) (io.Writer, func(), error) {
	f, err := d.ws.OpenLog(step.ID)
	if err != nil {
		return nil, nil, err
	}
	if step.Output != models.OutputScreen {
		return f, func() { f.Close() }, nil
	}

	pw := newPrefixWriter(d.l.stdout, "["+step.ID+"] ")
	return io.MultiWriter(f, pw), func() {
		pw.Flush()
		f.Close()
	}, nil
}

func (d *dispatcher) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventStarted:
		d.started(ev)
	case eventExited:
		d.exited(ctx, ev)
	}
}

func (d *dispatcher) started(ev event) {
	d.procs[ev.stepID] = ev.proc

	now := time.Now()
	pid := ev.proc.PID()
	exec := d.execs[ev.stepID]
	exec.Status = models.ExecStatusRunning
	exec.StartedAt = &now
	exec.PID = &pid
	d.save(exec)

	d.l.metrics.stepStarted()
	d.l.logger.Debug("step started", "step", ev.stepID, "pid", pid)

	if d.stopping {
		ev.proc.Signal(syscall.SIGINT)
	}
}

func (d *dispatcher) exited(ctx context.Context, ev event) {
	d.inflight--
	_, started := d.procs[ev.stepID]
	delete(d.procs, ev.stepID)

	success := ev.err == nil && ev.code == 0
	step := d.steps[ev.stepID]

	now := time.Now()
	code := ev.code
	exec := d.execs[ev.stepID]
	exec.CompletedAt = &now
	exec.ExitCode = &code
	if success || d.stopping {
		exec.Status = models.ExecStatusExited
	} else {
		exec.Status = models.ExecStatusFailed
	}
	d.save(exec)
	d.l.metrics.stepExited(step.Kind, started, success)

	switch {
	case ev.err != nil:
		d.l.logger.Error("step failed", "step", step.ID, "error", ev.err)
	case ev.code != 0:
		d.l.logger.Warn("step exited", "step", step.ID, "code", ev.code)
	default:
		d.l.logger.Info("step exited", "step", step.ID, "code", ev.code)
	}

	if d.stopping {
		return
	}

	if step.Entity == "" {
		if !success {
			d.sharedFailures = append(d.sharedFailures, step.ID)
		}
		return
	}

	switch {
	case step.Kind == models.StepStatePublisher:
		// The publisher serves the description for the whole session.
		d.fire(step, SignalFailed)
	case success:
		d.fire(step, SignalSucceeded)
	default:
		d.fire(step, SignalFailed)
	}

	deps := d.dependents[step.ID]
	if len(deps) == 0 {
		return
	}
	if !success || d.lifecycles[step.Entity].State() == models.EntityFailed {
		d.l.logger.Warn("dependent steps will not start", "step", step.ID, "dependents", deps)
		return
	}
	for _, dep := range deps {
		d.dispatch(ctx, dep)
	}
}

func (d *dispatcher) fire(step models.Step, kind SignalKind) {
	lc, ok := d.lifecycles[step.Entity]
	if !ok {
		return
	}

	from := lc.State()
	to, err := lc.Fire(Signal{Kind: kind, Role: step.Kind})
	if err != nil {
		d.l.logger.Warn("ignored entity signal", "entity", step.Entity, "error", err)
		return
	}
	if from == to {
		return
	}

	d.l.metrics.entityMoved(from, to)
	if err := d.l.storage.SetEntityState(d.run.ID, step.Entity, to); err != nil {
		d.fail(err)
	}
	d.l.logger.Info("entity state", "entity", step.Entity, "from", from, "to", to)
	if d.l.onState != nil {
		d.l.onState(step.Entity, to)
	}
}

func (d *dispatcher) signalAll(sig syscall.Signal) {
	for id, p := range d.procs {
		if err := p.Signal(sig); err != nil {
			d.l.logger.Debug("signal failed", "step", id, "signal", sig, "error", err)
		}
	}
}

func (d *dispatcher) finish() {
	for _, id := range d.order {
		exec := d.execs[id]
		if exec.Status == models.ExecStatusPending {
			exec.Status = models.ExecStatusSkipped
			d.save(exec)
		}
	}

	var failed []string
	for _, name := range d.entities {
		if d.lifecycles[name].State() == models.EntityFailed {
			failed = append(failed, name)
		}
	}

	now := time.Now()
	d.run.CompletedAt = &now
	switch {
	case len(failed) > 0:
		d.run.Status = models.RunStatusFailed
		d.run.Error = "entities failed: " + strings.Join(failed, ", ")
	case len(d.sharedFailures) > 0:
		d.run.Status = models.RunStatusFailed
		d.run.Error = "steps failed: " + strings.Join(d.sharedFailures, ", ")
	case d.stopping && !d.allReady():
		d.run.Status = models.RunStatusStopped
	default:
		d.run.Status = models.RunStatusComplete
	}
	if err := d.l.storage.UpdateRun(d.run); err != nil {
		d.fail(err)
	}
	d.l.logger.Info("run finished", "run", d.run.ID, "status", d.run.Status)
}

func (d *dispatcher) allReady() bool {
	for _, lc := range d.lifecycles {
		if lc.State() != models.EntityReady {
			return false
		}
	}
	return true
}

func (d *dispatcher) save(exec *models.Execution) {
	if err := d.l.storage.UpdateExecution(exec); err != nil {
		d.fail(err)
	}
}

func (d *dispatcher) fail(err error) {
	if d.err == nil {
		d.err = err
	}
	d.l.logger.Error("failed to record run state", "run", d.run.ID, "error", err)
}

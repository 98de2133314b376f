package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/simlaunch/internal/models"
	"github.com/mpataki/simlaunch/internal/session"
	"github.com/mpataki/simlaunch/internal/storage"
)

// fakeBehavior controls how a fake step process behaves.
type fakeBehavior struct {
	code      int
	block     bool // run until signalled
	ignoreInt bool
	startErr  error
}

type fakeRunner struct {
	mu        sync.Mutex
	outputs   map[string]string
	outputErr error
	behaviors map[string]fakeBehavior
	started   []string
	calls     [][]string
	signals   map[string][]syscall.Signal
	nextPID   int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outputs:   make(map[string]string),
		behaviors: make(map[string]fakeBehavior),
		signals:   make(map[string][]syscall.Signal),
		nextPID:   1000,
	}
}

func (r *fakeRunner) Start(c Command) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.behaviors[c.StepID]
	if b.startErr != nil {
		return nil, b.startErr
	}
	r.started = append(r.started, c.StepID)
	r.nextPID++
	fmt.Fprintf(c.Stdout, "started %s\n", c.StepID)

	return &fakeProcess{
		runner:   r,
		stepID:   c.StepID,
		pid:      r.nextPID,
		behavior: b,
		stop:     make(chan struct{}),
	}, nil
}

func (r *fakeRunner) Output(ctx context.Context, argv []string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, append([]string(nil), argv...))
	if r.outputErr != nil {
		return nil, r.outputErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []byte(r.outputs[argv[0]]), nil
}

func (r *fakeRunner) outputCalls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

func (r *fakeRunner) startOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *fakeRunner) signalsFor(stepID string) []syscall.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syscall.Signal(nil), r.signals[stepID]...)
}

type fakeProcess struct {
	runner   *fakeRunner
	stepID   string
	pid      int
	behavior fakeBehavior
	stop     chan struct{}
	once     sync.Once
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	if !p.behavior.block {
		return p.behavior.code, nil
	}
	<-p.stop
	return -1, nil
}

func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.runner.mu.Lock()
	p.runner.signals[p.stepID] = append(p.runner.signals[p.stepID], sig)
	p.runner.mu.Unlock()

	if sig == syscall.SIGINT && p.behavior.ignoreInt {
		return nil
	}
	p.once.Do(func() { close(p.stop) })
	return nil
}

var testAssets = models.Assets{
	Generator:           "xacro",
	DescriptionTemplate: "/share/urdf/test_diff_drive.xacro.urdf",
	ControllersFile:     "/share/config/diff_drive_controller.yaml",
	BridgeConfig:        "/share/config/diff_drive_bridge.yaml",
	WorldFile:           "/share/world.sdf",
	ModelName:           "diff_drive",
}

func testSession(t *testing.T) *models.Session {
	t.Helper()
	sess, err := session.NewBuilder(session.DefaultName, testAssets).
		WithEntities(session.DefaultEntities()...).
		Build()
	require.NoError(t, err)
	return sess
}

// entityWatcher cancels the run once the predicate holds on the latest
// entity states. It runs on the dispatch goroutine.
type entityWatcher struct {
	states map[string]models.EntityState
	cancel context.CancelFunc
	done   func(map[string]models.EntityState) bool
}

func (w *entityWatcher) observe(entity string, state models.EntityState) {
	w.states[entity] = state
	if w.done(w.states) {
		w.cancel()
	}
}

type harness struct {
	launcher *Launcher
	store    *storage.Storage
	runner   *fakeRunner
	stdout   *bytes.Buffer
	metrics  *Metrics
	watcher  *entityWatcher
	ctx      context.Context
}

func newHarness(t *testing.T, done func(map[string]models.EntityState) bool, opts ...Option) *harness {
	t.Helper()

	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	h := &harness{
		store:   store,
		runner:  newFakeRunner(),
		stdout:  &bytes.Buffer{},
		metrics: NewMetrics(prometheus.NewRegistry()),
		watcher: &entityWatcher{
			states: make(map[string]models.EntityState),
			cancel: cancel,
			done:   done,
		},
		ctx: ctx,
	}

	opts = append([]Option{
		WithRunner(h.runner),
		WithStdout(h.stdout),
		WithMetrics(h.metrics),
		WithStopGrace(50 * time.Millisecond),
		WithEntityListener(h.watcher.observe),
	}, opts...)
	h.launcher = New(store, filepath.Join(dir, "workspaces"), opts...)
	return h
}

func (h *harness) execute(t *testing.T, sess *models.Session) *models.Run {
	t.Helper()
	run, err := h.launcher.StartRun(sess)
	require.NoError(t, err)
	require.NoError(t, h.launcher.Execute(h.ctx, run, sess))

	stored, err := h.store.GetRun(run.ID)
	require.NoError(t, err)
	return stored
}

func (h *harness) executions(t *testing.T, runID int64) map[string]*models.Execution {
	t.Helper()
	list, err := h.store.GetExecutionsForRun(runID)
	require.NoError(t, err)
	byStep := make(map[string]*models.Execution)
	for _, e := range list {
		byStep[e.StepID] = e
	}
	return byStep
}

func (h *harness) entityStates(t *testing.T, runID int64) map[string]models.EntityState {
	t.Helper()
	records, err := h.store.GetEntityStates(runID)
	require.NoError(t, err)
	states := make(map[string]models.EntityState)
	for _, r := range records {
		states[r.Entity] = r.State
	}
	return states
}

func allIn(state models.EntityState, names ...string) func(map[string]models.EntityState) bool {
	return func(states map[string]models.EntityState) bool {
		for _, n := range names {
			if states[n] != state {
				return false
			}
		}
		return true
	}
}

func blockLongRunning(r *fakeRunner) {
	for _, id := range []string{"world", "bridge", "r1/state_publisher", "r2/state_publisher"} {
		r.behaviors[id] = fakeBehavior{block: true}
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestExecute_EntitiesReachReady(t *testing.T) {
	h := newHarness(t, allIn(models.EntityReady, "r1", "r2"))
	blockLongRunning(h.runner)
	h.runner.outputs["xacro"] = "<robot/>"

	run := h.execute(t, testSession(t))

	assert.Equal(t, models.RunStatusComplete, run.Status)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.CompletedAt)
	require.NotNil(t, run.LauncherPID)
	assert.Equal(t, os.Getpid(), *run.LauncherPID)

	assert.Equal(t, map[string]models.EntityState{
		"r1": models.EntityReady,
		"r2": models.EntityReady,
	}, h.entityStates(t, run.ID))

	order := h.runner.startOrder()
	assert.Len(t, order, 10)
	for _, name := range []string{"r1", "r2"} {
		spawn := indexOf(order, name+"/spawn")
		broadcaster := indexOf(order, name+"/broadcaster")
		controller := indexOf(order, name+"/controller")
		assert.Less(t, spawn, broadcaster, name)
		assert.Less(t, broadcaster, controller, name)
	}

	execs := h.executions(t, run.ID)
	assert.Len(t, execs, 10)
	for _, id := range []string{"r1/spawn", "r1/broadcaster", "r1/controller", "r2/controller"} {
		assert.Equal(t, models.ExecStatusExited, execs[id].Status, id)
		require.NotNil(t, execs[id].ExitCode)
		assert.Equal(t, 0, *execs[id].ExitCode)
		require.NotNil(t, execs[id].PID)
	}
	// Long-running steps exit when the session stops.
	assert.Equal(t, models.ExecStatusExited, execs["world"].Status)
	assert.Equal(t, []syscall.Signal{syscall.SIGINT}, h.runner.signalsFor("world"))

	assert.Equal(t, 1, execs["world"].SequenceNum)
	assert.Equal(t, 3, execs["r1/state_publisher"].SequenceNum)
}

func TestExecute_ScreenOutputIsPrefixed(t *testing.T) {
	h := newHarness(t, allIn(models.EntityReady, "r1", "r2"))
	blockLongRunning(h.runner)

	run := h.execute(t, testSession(t))

	out := h.stdout.String()
	assert.Contains(t, out, "[r1/spawn] started r1/spawn\n")
	assert.Contains(t, out, "[bridge] started bridge\n")
	assert.NotContains(t, out, "started r1/broadcaster")

	log, err := h.launcher.ReadStepLog(run.ID, "r1/broadcaster")
	require.NoError(t, err)
	assert.Equal(t, "started r1/broadcaster\n", log)
}

func TestExecute_FailedSpawnSkipsDependents(t *testing.T) {
	h := newHarness(t, func(s map[string]models.EntityState) bool {
		return s["r1"] == models.EntityFailed && s["r2"] == models.EntityReady
	})
	blockLongRunning(h.runner)
	h.runner.behaviors["r1/spawn"] = fakeBehavior{code: 1}

	run := h.execute(t, testSession(t))

	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "entities failed: r1", run.Error)

	states := h.entityStates(t, run.ID)
	assert.Equal(t, models.EntityFailed, states["r1"])
	assert.Equal(t, models.EntityReady, states["r2"])

	execs := h.executions(t, run.ID)
	assert.Equal(t, models.ExecStatusFailed, execs["r1/spawn"].Status)
	require.NotNil(t, execs["r1/spawn"].ExitCode)
	assert.Equal(t, 1, *execs["r1/spawn"].ExitCode)
	assert.Equal(t, models.ExecStatusSkipped, execs["r1/broadcaster"].Status)
	assert.Equal(t, models.ExecStatusSkipped, execs["r1/controller"].Status)
	assert.Equal(t, models.ExecStatusExited, execs["r2/controller"].Status)

	order := h.runner.startOrder()
	assert.NotContains(t, order, "r1/broadcaster")
	assert.NotContains(t, order, "r1/controller")
}

func TestExecute_FailedBroadcasterSkipsController(t *testing.T) {
	h := newHarness(t, func(s map[string]models.EntityState) bool {
		return s["r1"] == models.EntityReady && s["r2"] == models.EntityFailed
	})
	blockLongRunning(h.runner)
	h.runner.behaviors["r2/broadcaster"] = fakeBehavior{code: 2}

	run := h.execute(t, testSession(t))

	assert.Equal(t, models.RunStatusFailed, run.Status)
	execs := h.executions(t, run.ID)
	assert.Equal(t, models.ExecStatusFailed, execs["r2/broadcaster"].Status)
	assert.Equal(t, models.ExecStatusSkipped, execs["r2/controller"].Status)
}

func TestExecute_StartErrorFailsEntity(t *testing.T) {
	h := newHarness(t, func(s map[string]models.EntityState) bool {
		return s["r1"] == models.EntityFailed && s["r2"] == models.EntityReady
	})
	blockLongRunning(h.runner)
	h.runner.behaviors["r1/controller"] = fakeBehavior{startErr: errors.New("exec: not found")}

	run := h.execute(t, testSession(t))

	assert.Equal(t, models.RunStatusFailed, run.Status)
	execs := h.executions(t, run.ID)
	assert.Equal(t, models.ExecStatusFailed, execs["r1/controller"].Status)
	assert.Nil(t, execs["r1/controller"].PID)
}

func TestExecute_PublisherExitFailsEntity(t *testing.T) {
	h := newHarness(t, func(s map[string]models.EntityState) bool {
		return s["r1"] == models.EntityFailed && s["r2"] == models.EntityReady
	})
	blockLongRunning(h.runner)
	h.runner.behaviors["r1/state_publisher"] = fakeBehavior{code: 0}

	run := h.execute(t, testSession(t))

	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, models.EntityFailed, h.entityStates(t, run.ID)["r1"])
}

func TestExecute_SharedStepFailure(t *testing.T) {
	h := newHarness(t, allIn(models.EntityReady, "r1", "r2"))
	blockLongRunning(h.runner)
	h.runner.behaviors["bridge"] = fakeBehavior{code: 1}

	run := h.execute(t, testSession(t))

	assert.Equal(t, models.RunStatusFailed, run.Status)
	assert.Equal(t, "steps failed: bridge", run.Error)
}

func TestExecute_CancelStopsRunningSteps(t *testing.T) {
	h := newHarness(t, allIn(models.EntityCreating, "r1", "r2"))
	blockLongRunning(h.runner)
	h.runner.behaviors["r1/spawn"] = fakeBehavior{block: true}
	h.runner.behaviors["r2/spawn"] = fakeBehavior{block: true}

	run := h.execute(t, testSession(t))

	assert.Equal(t, models.RunStatusStopped, run.Status)

	execs := h.executions(t, run.ID)
	for _, id := range []string{"r1/broadcaster", "r1/controller", "r2/broadcaster", "r2/controller"} {
		assert.Equal(t, models.ExecStatusSkipped, execs[id].Status, id)
	}
	assert.Equal(t, []syscall.Signal{syscall.SIGINT}, h.runner.signalsFor("r1/spawn"))

	// Exits during shutdown do not move entities.
	states := h.entityStates(t, run.ID)
	assert.Equal(t, models.EntityCreating, states["r1"])
	assert.Equal(t, models.EntityCreating, states["r2"])
}

func TestExecute_KillsAfterGracePeriod(t *testing.T) {
	h := newHarness(t, allIn(models.EntityReady, "r1", "r2"), WithStopGrace(10*time.Millisecond))
	blockLongRunning(h.runner)
	h.runner.behaviors["world"] = fakeBehavior{block: true, ignoreInt: true}

	run := h.execute(t, testSession(t))

	assert.Equal(t, models.RunStatusComplete, run.Status)
	assert.Equal(t, []syscall.Signal{syscall.SIGINT, syscall.SIGKILL}, h.runner.signalsFor("world"))
	assert.Equal(t, []syscall.Signal{syscall.SIGINT}, h.runner.signalsFor("bridge"))
}

func TestExecute_Metrics(t *testing.T) {
	h := newHarness(t, allIn(models.EntityReady, "r1", "r2"))
	blockLongRunning(h.runner)

	h.execute(t, testSession(t))

	m := h.metrics
	assert.Equal(t, 2.0, testutil.ToFloat64(m.launches.WithLabelValues("spawn")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.launches.WithLabelValues("world")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.exits.WithLabelValues("controller", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.entities.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.entities.WithLabelValues("idle")))
}

func TestStartRun_WritesMetadata(t *testing.T) {
	h := newHarness(t, allIn(models.EntityReady))
	sess := testSession(t)

	run, err := h.launcher.StartRun(sess)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPending, run.Status)
	assert.DirExists(t, run.WorkspacePath)
	assert.FileExists(t, filepath.Join(run.WorkspacePath, "session.json"))

	stored, err := h.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, session.DefaultName, stored.SessionName)
	assert.Equal(t, run.WorkspacePath, stored.WorkspacePath)
}

func TestKillRun(t *testing.T) {
	h := newHarness(t, allIn(models.EntityReady))

	run, err := h.launcher.StartRun(testSession(t))
	require.NoError(t, err)
	run.Status = models.RunStatusRunning
	require.NoError(t, h.store.UpdateRun(run))

	execID, err := h.store.CreateExecution(&models.Execution{
		RunID:  run.ID,
		StepID: "world",
		Kind:   models.StepWorld,
		Status: models.ExecStatusRunning,
	})
	require.NoError(t, err)

	require.NoError(t, h.launcher.KillRun(run.ID))

	stored, err := h.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusStopped, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	execs, err := h.store.GetExecutionsForRun(run.ID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, execID, execs[0].ID)
	assert.Equal(t, models.ExecStatusFailed, execs[0].Status)
}

func TestDeleteRun(t *testing.T) {
	h := newHarness(t, allIn(models.EntityReady, "r1", "r2"))
	blockLongRunning(h.runner)

	run, err := h.launcher.StartRun(testSession(t))
	require.NoError(t, err)
	run.Status = models.RunStatusRunning
	require.NoError(t, h.store.UpdateRun(run))

	err = h.launcher.DeleteRun(run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still running")

	run.Status = models.RunStatusComplete
	require.NoError(t, h.store.UpdateRun(run))

	require.NoError(t, h.launcher.DeleteRun(run.ID))
	assert.NoDirExists(t, run.WorkspacePath)

	_, err = h.store.GetRun(run.ID)
	assert.Error(t, err)
}

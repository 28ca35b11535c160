package reconcile

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/finalize"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/sandbox"
)

type fakeRuntime struct {
	mu     sync.Mutex
	states map[string]sandbox.InspectOutcome
	logs   map[string][]string
	killed []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		states: make(map[string]sandbox.InspectOutcome),
		logs:   make(map[string][]string),
	}
}

func (f *fakeRuntime) set(ref string, state sandbox.InspectOutcome, logs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[ref] = state
	f.logs[ref] = logs
}

func (f *fakeRuntime) Inspect(_ context.Context, ref string) (sandbox.InspectOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[ref], nil
}

func (f *fakeRuntime) Kill(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, ref)
	st := f.states[ref]
	st.Running = false
	f.states[ref] = st
	return nil
}

func (f *fakeRuntime) killedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func (f *fakeRuntime) Logs(_ context.Context, ref string, _ int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[ref], nil
}

type countingFinalizer struct {
	mu      sync.Mutex
	calls   atomic.Int64
	reasons []string
}

func (c *countingFinalizer) Finalize(_ context.Context, _ string, reason string) error {
	c.calls.Add(1)
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	c.mu.Unlock()
	return nil
}

type recHarness struct {
	store     *persistence.Store
	runtime   *fakeRuntime
	finalizer *countingFinalizer
	rec       *Reconciler
	staging   string
}

func newRecHarness(t *testing.T) *recHarness {
	t.Helper()
	dir := t.TempDir()
	staging := filepath.Join(dir, "staging")
	// The real Runtime.Start creates the staging dir; the fake does not.
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatalf("mkdir staging: %v", err)
	}
	store, err := persistence.Open(filepath.Join(dir, "warden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	runtime := newFakeRuntime()
	fin := &countingFinalizer{}
	rec := New(store, runtime, fin, bus.New(), nil, nil, staging, 5*time.Second)
	return &recHarness{store: store, runtime: runtime, finalizer: fin, rec: rec, staging: staging}
}

// orphanTask creates a task stuck in ATTEMPTING, as after a process crash.
func (h *recHarness) orphanTask(t *testing.T, containerRef string) string {
	t.Helper()
	ctx := context.Background()
	id, err := h.store.CreateTask(ctx, persistence.TaskSeed{AgentChain: `[{"agent_id":"claude"}]`})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.store.ClaimNextQueued(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if containerRef != "" {
		if err := h.store.SetContainerRef(ctx, id, containerRef); err != nil {
			t.Fatalf("set ref: %v", err)
		}
	}
	return id
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestStartupRecoversOutcomeFromMarker(t *testing.T) {
	ctx := context.Background()
	h := newRecHarness(t)
	id := h.orphanTask(t, "warden-task-x-1")

	if err := sandbox.WriteMarker(sandbox.MarkerPath(h.staging, id), sandbox.CompletionMarker{
		TaskID: id, ContainerName: "warden-task-x-1", ExitCode: 0,
	}); err != nil {
		t.Fatalf("marker: %v", err)
	}

	h.rec.startupReconcile(ctx)

	task, err := h.store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if task.Status != persistence.TaskStatusDone {
		t.Errorf("status = %s, want DONE from marker", task.Status)
	}
	if h.finalizer.calls.Load() == 0 {
		t.Error("finalization not triggered")
	}
	h.finalizer.mu.Lock()
	reason := h.finalizer.reasons[0]
	h.finalizer.mu.Unlock()
	if reason != finalize.ReasonStartupReconcile {
		t.Errorf("reason = %q", reason)
	}
}

func TestStartupMarksUnknownWhenContainerGone(t *testing.T) {
	ctx := context.Background()
	h := newRecHarness(t)
	id := h.orphanTask(t, "warden-task-gone-1")
	// Runtime has no state for the ref: Exists=false.

	h.rec.startupReconcile(ctx)

	task, _ := h.store.GetTask(ctx, id)
	if task.Status != persistence.TaskStatusUnknown {
		t.Errorf("status = %s, want UNKNOWN", task.Status)
	}
	if task.Error != "container gone, no completion marker" {
		t.Errorf("diagnostic = %q", task.Error)
	}
	if h.finalizer.calls.Load() == 0 {
		t.Error("finalization not triggered for unknown outcome")
	}
}

func TestStartupAdoptsRunningContainer(t *testing.T) {
	ctx := context.Background()
	h := newRecHarness(t)
	id := h.orphanTask(t, "warden-task-live-1")
	h.runtime.set("warden-task-live-1", sandbox.InspectOutcome{Exists: true, Running: true}, nil)

	h.rec.startupReconcile(ctx)

	if !h.rec.Following(id) {
		t.Fatal("running container not adopted")
	}
	task, _ := h.store.GetTask(ctx, id)
	if task.Status != persistence.TaskStatusAttempting {
		t.Errorf("status = %s, adoption must not settle the task", task.Status)
	}
	if h.finalizer.calls.Load() != 0 {
		t.Error("finalization triggered for a live task")
	}
}

func TestFollowedContainerExitResolvesTask(t *testing.T) {
	ctx := context.Background()
	h := newRecHarness(t)
	id := h.orphanTask(t, "warden-task-live-2")
	h.runtime.set("warden-task-live-2", sandbox.InspectOutcome{Exists: true, Running: true}, []string{"working"})
	h.rec.startupReconcile(ctx)
	if !h.rec.Following(id) {
		t.Fatal("not adopted")
	}

	// The container finishes between ticks.
	h.runtime.set("warden-task-live-2", sandbox.InspectOutcome{Exists: true, Running: false, ExitCode: 0}, []string{"working", "done"})
	h.rec.Tick(ctx)

	if !waitFor(t, 2*time.Second, func() bool {
		task, err := h.store.GetTask(ctx, id)
		return err == nil && task.Status == persistence.TaskStatusDone
	}) {
		task, _ := h.store.GetTask(ctx, id)
		t.Fatalf("task not resolved, status = %s", task.Status)
	}
	if !waitFor(t, 2*time.Second, func() bool { return !h.rec.Following(id) }) {
		t.Error("resolved task still followed")
	}
}

func TestLogFollowerTracksOffset(t *testing.T) {
	ctx := context.Background()
	h := newRecHarness(t)
	id := h.orphanTask(t, "warden-task-logs-1")
	h.runtime.set("warden-task-logs-1", sandbox.InspectOutcome{Exists: true, Running: true}, []string{"a", "b"})
	h.rec.startupReconcile(ctx)

	h.rec.checkFollowed(ctx, id)
	h.rec.mu.Lock()
	offset := h.rec.registry[id].logOffset
	h.rec.mu.Unlock()
	if offset != 2 {
		t.Fatalf("offset = %d, want 2", offset)
	}

	h.runtime.set("warden-task-logs-1", sandbox.InspectOutcome{Exists: true, Running: true}, []string{"a", "b", "c"})
	h.rec.checkFollowed(ctx, id)
	h.rec.mu.Lock()
	offset = h.rec.registry[id].logOffset
	h.rec.mu.Unlock()
	if offset != 3 {
		t.Fatalf("offset = %d, want 3 after new line", offset)
	}
}

func TestUserKillStopsAdoptedContainer(t *testing.T) {
	ctx := context.Background()
	h := newRecHarness(t)
	id := h.orphanTask(t, "warden-task-adopt-1")
	h.runtime.set("warden-task-adopt-1", sandbox.InspectOutcome{Exists: true, Running: true}, nil)
	h.rec.startupReconcile(ctx)
	if !h.rec.Following(id) {
		t.Fatal("not adopted")
	}

	if err := h.store.RequestUserStop(ctx, id, persistence.UserStopKill); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.rec.Tick(ctx)

	if !waitFor(t, 2*time.Second, func() bool {
		task, err := h.store.GetTask(ctx, id)
		return err == nil && task.Status == persistence.TaskStatusKilled
	}) {
		task, _ := h.store.GetTask(ctx, id)
		t.Fatalf("status = %s, want KILLED", task.Status)
	}
	killed := h.runtime.killedRefs()
	if len(killed) != 1 || killed[0] != "warden-task-adopt-1" {
		t.Errorf("killed containers = %v", killed)
	}
	if !waitFor(t, 2*time.Second, func() bool { return !h.rec.Following(id) }) {
		t.Error("stopped task still followed")
	}
	// A concurrent recovery-tick trigger may also fire; the user-stop
	// trigger must be among them.
	if !waitFor(t, 2*time.Second, func() bool {
		h.finalizer.mu.Lock()
		defer h.finalizer.mu.Unlock()
		for _, reason := range h.finalizer.reasons {
			if reason == finalize.ReasonUserStop {
				return true
			}
		}
		return false
	}) {
		t.Fatalf("no user_stop finalization trigger, reasons = %v", h.finalizer.reasons)
	}
}

func TestStartupHonorsStopRequestedBeforeRestart(t *testing.T) {
	ctx := context.Background()
	h := newRecHarness(t)
	id := h.orphanTask(t, "warden-task-stale-stop-1")
	h.runtime.set("warden-task-stale-stop-1", sandbox.InspectOutcome{Exists: true, Running: true}, nil)
	if err := h.store.RequestUserStop(ctx, id, persistence.UserStopCancel); err != nil {
		t.Fatalf("stop: %v", err)
	}

	h.rec.startupReconcile(ctx)

	task, _ := h.store.GetTask(ctx, id)
	if task.Status != persistence.TaskStatusCancelled {
		t.Errorf("status = %s, want CANCELLED instead of adoption", task.Status)
	}
	if h.rec.Following(id) {
		t.Error("stopped task was adopted")
	}
	if killed := h.runtime.killedRefs(); len(killed) != 1 {
		t.Errorf("killed containers = %v", killed)
	}
}

func TestTickOnFinalizedDoneTaskIsNoOp(t *testing.T) {
	ctx := context.Background()
	h := newRecHarness(t)
	id := h.orphanTask(t, "")
	code := 0
	if err := h.store.MarkTerminal(ctx, id, persistence.TaskStatusDone, &code, ""); err != nil {
		t.Fatalf("terminal: %v", err)
	}
	if ok, _ := h.store.BeginFinalization(ctx, id); !ok {
		t.Fatal("claim")
	}
	if err := h.store.FinishFinalization(ctx, id, persistence.FinalizeDone, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}

	h.rec.Tick(ctx)
	time.Sleep(100 * time.Millisecond)

	if got := h.finalizer.calls.Load(); got != 0 {
		t.Errorf("finalizer called %d times for a settled task", got)
	}
	if h.rec.Following(id) {
		t.Error("settled task in follow registry")
	}
}

func TestTickRetriggersUnfinalizedTerminal(t *testing.T) {
	ctx := context.Background()
	h := newRecHarness(t)
	id := h.orphanTask(t, "")
	code := 1
	if err := h.store.MarkTerminal(ctx, id, persistence.TaskStatusFailed, &code, "boom"); err != nil {
		t.Fatalf("terminal: %v", err)
	}

	h.rec.Tick(ctx)
	if !waitFor(t, 2*time.Second, func() bool { return h.finalizer.calls.Load() == 1 }) {
		t.Fatalf("finalizer calls = %d, want 1", h.finalizer.calls.Load())
	}
	h.finalizer.mu.Lock()
	reason := h.finalizer.reasons[0]
	h.finalizer.mu.Unlock()
	if reason != finalize.ReasonRecoveryTick {
		t.Errorf("reason = %q", reason)
	}
}

func TestConcurrentTriggersFinalizeExactlyOnce(t *testing.T) {
	// End-to-end variant with the real worker: many concurrent triggers,
	// one side effect.
	ctx := context.Background()
	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "warden.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	id, err := store.CreateTask(ctx, persistence.TaskSeed{
		AgentChain: `[{"agent_id":"claude"}]`, WorkspaceKind: "cloned", RepoRoot: "/r", Branch: "b",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.ClaimNextQueued(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	code := 0
	if err := store.MarkTerminal(ctx, id, persistence.TaskStatusDone, &code, ""); err != nil {
		t.Fatalf("terminal: %v", err)
	}

	var prCalls atomic.Int64
	worker := finalize.NewWorker(store, bus.New(), nil, nil, filepath.Join(dir, "staging"), filepath.Join(dir, "artifacts"), time.Second)
	worker.SetPRCreator(prCreatorFunc(func(_ context.Context, task *persistence.Task) (string, error) {
		prCalls.Add(1)
		return "pr://" + task.ID, nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = worker.Finalize(ctx, id, finalize.ReasonRecoveryTick)
		}()
	}
	wg.Wait()

	if got := prCalls.Load(); got != 1 {
		t.Fatalf("pr side effect ran %d times, want exactly 1", got)
	}
}

type prCreatorFunc func(ctx context.Context, task *persistence.Task) (string, error)

func (f prCreatorFunc) CreatePR(ctx context.Context, task *persistence.Task) (string, error) {
	return f(ctx, task)
}

// Package reconcile recovers supervision state after restarts and
// container auto-removal: it re-resolves orphaned tasks from completion
// markers and container state, follows their logs, and triggers
// finalization for any terminal task that has not been finalized yet.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/finalize"
	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/sandbox"
)

// Runtime is the slice of the container adapter the reconciler needs.
// Kill is required: adopted containers have no live supervisor, so user
// stop requests land here.
type Runtime interface {
	Inspect(ctx context.Context, ref string) (sandbox.InspectOutcome, error)
	Kill(ctx context.Context, ref string) error
	Logs(ctx context.Context, ref string, tail int) ([]string, error)
}

// Finalizer triggers the exactly-once finalization pipeline. The CAS lives
// in the store, so the reconciler can fire this as often as it likes.
type Finalizer interface {
	Finalize(ctx context.Context, taskID, reason string) error
}

// followState tracks one orphaned task the reconciler is watching.
type followState struct {
	containerRef string
	logOffset    int // next unread log line
	busy         bool
}

// Reconciler owns startup recovery and the periodic recovery tick.
type Reconciler struct {
	store      *persistence.Store
	runtime    Runtime
	finalizer  Finalizer
	bus        *bus.Bus
	logger     *slog.Logger
	metrics    *otel.Metrics
	stagingDir string
	interval   time.Duration

	startupOnce sync.Once

	mu       sync.Mutex
	registry map[string]*followState
}

func New(store *persistence.Store, runtime Runtime, finalizer Finalizer, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics, stagingDir string, interval time.Duration) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reconciler{
		store:      store,
		runtime:    runtime,
		finalizer:  finalizer,
		bus:        eventBus,
		logger:     logger,
		metrics:    metrics,
		stagingDir: stagingDir,
		interval:   interval,
		registry:   make(map[string]*followState),
	}
}

// Run performs the one-time startup reconciliation, then ticks until ctx
// is done. Marker events from the staging watcher short-circuit the wait.
func (r *Reconciler) Run(ctx context.Context) {
	r.startupOnce.Do(func() { r.startupReconcile(ctx) })

	sub := r.bus.Subscribe(bus.TopicMarkerWritten)
	defer r.bus.Unsubscribe(sub)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if marker, isMarker := ev.Payload.(bus.MarkerEvent); isMarker {
				r.handleMarker(ctx, marker.TaskID)
			}
		}
	}
}

// startupReconcile resolves tasks left ATTEMPTING or RETRYING by a dead
// process, and re-triggers finalization for unfinalized terminal tasks.
func (r *Reconciler) startupReconcile(ctx context.Context) {
	r.logger.Info("startup reconciliation")

	orphans, err := r.store.ListTasks(ctx, persistence.TaskStatusAttempting, persistence.TaskStatusRetrying)
	if err != nil {
		r.logger.Error("startup list orphans failed", "error", err)
	}
	for i := range orphans {
		task := orphans[i]
		if r.resolveFromMarker(ctx, &task, finalize.ReasonStartupReconcile) {
			continue
		}
		if task.ContainerRef != "" {
			inspect, err := r.runtime.Inspect(ctx, task.ContainerRef)
			if err == nil && inspect.Exists && inspect.Running {
				if task.UserStop != persistence.UserStopNone {
					// A stop requested before the restart still binds.
					r.applyUserStop(ctx, task.ID, task.ContainerRef, task.UserStop)
					continue
				}
				// Still running; adopt it and follow its logs.
				r.register(task.ID, task.ContainerRef)
				r.logger.Info("adopted running container", "task_id", task.ID, "container", task.ContainerRef)
				continue
			}
			if err == nil && inspect.Exists && !inspect.Running {
				code := inspect.ExitCode
				r.markResolved(ctx, task.ID, code, finalize.ReasonStartupReconcile)
				continue
			}
		}
		// Container gone, no marker: the outcome is unknowable.
		r.markUnknown(ctx, task.ID, finalize.ReasonStartupReconcile)
	}

	r.finalizePending(ctx, finalize.ReasonStartupReconcile)
}

// Tick is one recovery pass: cheap per-task checks with all I/O pushed to
// background goroutines.
func (r *Reconciler) Tick(ctx context.Context) {
	if r.metrics != nil {
		r.metrics.RecoveryTicks.Add(ctx, 1)
	}
	r.bus.Publish(bus.TopicRecoveryReconcile, nil)

	r.mu.Lock()
	var due []string
	for taskID, st := range r.registry {
		if !st.busy {
			st.busy = true
			due = append(due, taskID)
		}
	}
	r.mu.Unlock()

	for _, taskID := range due {
		go r.checkFollowed(ctx, taskID)
	}

	go r.finalizePending(ctx, finalize.ReasonRecoveryTick)
}

// Adopt registers a task for follow-up, used when the daemon notices a
// task it must watch without owning a supervisor for it.
func (r *Reconciler) Adopt(taskID, containerRef string) {
	r.register(taskID, containerRef)
}

// Following reports whether the task is in the follow registry.
func (r *Reconciler) Following(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registry[taskID]
	return ok
}

func (r *Reconciler) register(taskID, containerRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registry[taskID]; !ok {
		r.registry[taskID] = &followState{containerRef: containerRef}
	}
}

func (r *Reconciler) drop(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.registry, taskID)
}

func (r *Reconciler) release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.registry[taskID]; ok {
		st.busy = false
	}
}

// checkFollowed advances one followed task: drain new log lines, then see
// whether the container finished or vanished.
func (r *Reconciler) checkFollowed(ctx context.Context, taskID string) {
	defer r.release(taskID)

	r.mu.Lock()
	st, ok := r.registry[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	ref := st.containerRef
	offset := st.logOffset
	r.mu.Unlock()

	lines, err := r.runtime.Logs(ctx, ref, 0)
	if err == nil && len(lines) > offset {
		fresh := lines[offset:]
		r.logger.Debug("followed logs", "task_id", taskID, "lines", len(fresh))
		r.mu.Lock()
		if st, ok := r.registry[taskID]; ok {
			st.logOffset = len(lines)
		}
		r.mu.Unlock()
	}

	task, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		r.logger.Warn("followed task not loadable", "task_id", taskID, "error", err)
		return
	}
	if task.Status.IsTerminal() {
		// A live supervisor or another path resolved it.
		r.drop(taskID)
		return
	}
	if task.UserStop != persistence.UserStopNone {
		// Adopted containers have no supervisor polling for stops; the
		// reconciler is the one that must honor them.
		r.applyUserStop(ctx, taskID, ref, task.UserStop)
		r.drop(taskID)
		return
	}
	if r.resolveFromMarker(ctx, task, finalize.ReasonTaskDone) {
		r.drop(taskID)
		return
	}

	inspect, err := r.runtime.Inspect(ctx, ref)
	if err != nil {
		r.logger.Warn("inspect followed container failed", "task_id", taskID, "error", err)
		return
	}
	if inspect.Exists && inspect.Running {
		return // still going
	}
	if inspect.Exists && !inspect.Running {
		r.markResolved(ctx, taskID, inspect.ExitCode, finalize.ReasonTaskDone)
		r.drop(taskID)
		return
	}
	r.markUnknown(ctx, taskID, finalize.ReasonRecoveryTick)
	r.drop(taskID)
}

// handleMarker reacts to a marker file appearing for a followed task. A
// task with a live in-process supervisor is not in the registry; its own
// supervisor consumes the marker.
func (r *Reconciler) handleMarker(ctx context.Context, taskID string) {
	if !r.Following(taskID) {
		return
	}
	task, err := r.store.GetTask(ctx, taskID)
	if err != nil || task.Status.IsTerminal() {
		r.drop(taskID)
		return
	}
	if r.resolveFromMarker(ctx, task, finalize.ReasonTaskDone) {
		r.drop(taskID)
	}
}

// resolveFromMarker consumes a completion marker for a non-terminal task.
// Returns true when the marker settled the task.
func (r *Reconciler) resolveFromMarker(ctx context.Context, task *persistence.Task, reason string) bool {
	markerPath := sandbox.MarkerPath(r.stagingDir, task.ID)
	marker, err := sandbox.ReadMarker(markerPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("marker unreadable", "task_id", task.ID, "error", err)
		}
		return false
	}
	_ = os.Remove(markerPath)
	if r.metrics != nil {
		r.metrics.MarkersRecovered.Add(ctx, 1)
	}
	r.logger.Info("outcome recovered from marker", "task_id", task.ID, "exit_code", marker.ExitCode)
	r.markResolved(ctx, task.ID, marker.ExitCode, reason)
	return true
}

// applyUserStop kills the container of a task without a live supervisor
// and settles the task as CANCELLED or KILLED.
func (r *Reconciler) applyUserStop(ctx context.Context, taskID, ref, kind string) {
	if ref != "" {
		if err := r.runtime.Kill(ctx, ref); err != nil {
			r.logger.Warn("kill on user stop failed", "task_id", taskID, "container", ref, "error", err)
		}
	}
	status := persistence.TaskStatusCancelled
	if kind == persistence.UserStopKill {
		status = persistence.TaskStatusKilled
	}
	if err := r.store.MarkTerminal(ctx, taskID, status, nil, "stopped by user"); err != nil {
		r.logger.Error("user stop not persisted", "task_id", taskID, "error", err)
		return
	}
	r.logger.Info("recovered task stopped by user", "task_id", taskID, "kind", kind)
	r.triggerFinalize(ctx, taskID, finalize.ReasonUserStop)
}

func (r *Reconciler) markResolved(ctx context.Context, taskID string, exitCode int, reason string) {
	status := persistence.TaskStatusDone
	errMsg := ""
	if exitCode != 0 {
		status = persistence.TaskStatusFailed
		errMsg = "recovered non-zero exit"
	}
	if err := r.store.MarkTerminal(ctx, taskID, status, &exitCode, errMsg); err != nil {
		r.logger.Error("recovered outcome not persisted", "task_id", taskID, "error", err)
		return
	}
	r.triggerFinalize(ctx, taskID, reason)
}

func (r *Reconciler) markUnknown(ctx context.Context, taskID, reason string) {
	diag := "container gone, no completion marker"
	if err := r.store.MarkTerminal(ctx, taskID, persistence.TaskStatusUnknown, nil, diag); err != nil {
		r.logger.Error("unknown outcome not persisted", "task_id", taskID, "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.UnknownOutcomes.Add(ctx, 1)
	}
	r.logger.Warn("task outcome unknown", "task_id", taskID)
	r.triggerFinalize(ctx, taskID, reason)
}

// finalizePending triggers finalization for every terminal task whose
// finalization is still pending or errored. Duplicate triggers are cheap:
// the store CAS admits one winner.
func (r *Reconciler) finalizePending(ctx context.Context, reason string) {
	pending, err := r.store.ListUnfinalizedTerminal(ctx)
	if err != nil {
		r.logger.Error("list unfinalized failed", "error", err)
		return
	}
	for _, task := range pending {
		r.triggerFinalize(ctx, task.ID, reason)
	}
}

func (r *Reconciler) triggerFinalize(ctx context.Context, taskID, reason string) {
	if err := r.finalizer.Finalize(ctx, taskID, reason); err != nil {
		r.logger.Error("finalization trigger failed", "task_id", taskID, "reason", reason, "error", err)
	}
}

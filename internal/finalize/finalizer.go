// Package finalize runs the post-run bookkeeping pipeline for terminal
// tasks: artifact capture, PR creation and workspace cleanup. The store's
// finalization CAS guarantees each task is finalized exactly once no
// matter how many triggers race.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/warden/internal/audit"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
)

// Finalization trigger reasons.
const (
	ReasonTaskDone         = "task_done"
	ReasonUserStop         = "user_stop"
	ReasonStartupReconcile = "startup_reconcile"
	ReasonRecoveryTick     = "recovery_tick"
)

// PRCreator opens a pull request for a finished task's branch. The git
// mechanics live outside warden; this is the whole surface we need.
type PRCreator interface {
	CreatePR(ctx context.Context, task *persistence.Task) (string, error)
}

// WorkspaceCleaner removes a task's cloned workspace.
type WorkspaceCleaner interface {
	Cleanup(ctx context.Context, task *persistence.Task) error
}

// Worker executes the finalization pipeline.
type Worker struct {
	store           *persistence.Store
	bus             *bus.Bus
	logger          *slog.Logger
	metrics         *otel.Metrics
	stagingDir      string
	artifactsDir    string
	artifactTimeout time.Duration
	prCreator       PRCreator        // nil disables the PR step
	cleaner         WorkspaceCleaner // nil disables cleanup
}

func NewWorker(store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics, stagingDir, artifactsDir string, artifactTimeout time.Duration) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if artifactTimeout <= 0 {
		artifactTimeout = 30 * time.Second
	}
	return &Worker{
		store:           store,
		bus:             eventBus,
		logger:          logger,
		metrics:         metrics,
		stagingDir:      stagingDir,
		artifactsDir:    artifactsDir,
		artifactTimeout: artifactTimeout,
	}
}

// SetPRCreator wires the external PR collaborator.
func (w *Worker) SetPRCreator(pc PRCreator) { w.prCreator = pc }

// SetCleaner wires the external workspace cleanup collaborator.
func (w *Worker) SetCleaner(c WorkspaceCleaner) { w.cleaner = c }

// Finalize runs the pipeline for one task. The CAS claim makes concurrent
// calls safe: exactly one caller wins, the rest return immediately.
// Whatever happens here never changes the task's own execution outcome.
func (w *Worker) Finalize(ctx context.Context, taskID, reason string) error {
	claimed, err := w.store.BeginFinalization(ctx, taskID)
	if err != nil {
		return fmt.Errorf("claim finalization for %s: %w", taskID, err)
	}
	if !claimed {
		return nil
	}

	started := time.Now()
	logger := w.logger.With("task_id", taskID, "reason", reason)
	logger.Info("finalization started")
	audit.Record("allow", "task.finalize", reason, taskID)
	w.bus.Publish(bus.TopicFinalizeStarted, bus.FinalizeEvent{TaskID: taskID, Reason: reason})

	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		_ = w.store.FinishFinalization(ctx, taskID, persistence.FinalizeError, "load task: "+err.Error())
		return fmt.Errorf("load task %s: %w", taskID, err)
	}

	var stepErrs []error

	// Artifacts are skipped entirely when the user stopped the task;
	// whatever is in staging reflects a run they discarded.
	if task.UserStop == persistence.UserStopNone {
		if err := w.collectArtifacts(ctx, task); err != nil {
			logger.Warn("artifact collection failed", "error", err)
			stepErrs = append(stepErrs, fmt.Errorf("artifacts: %w", err))
		}
	} else {
		logger.Info("artifact collection skipped", "user_stop", task.UserStop)
	}

	prRan := false
	if w.prEligible(task) {
		prRan = true
		prRef, err := w.prCreator.CreatePR(ctx, task)
		if err != nil {
			logger.Warn("pr creation failed", "error", err)
			stepErrs = append(stepErrs, fmt.Errorf("pr: %w", err))
		} else if err := w.store.SetPRRef(ctx, taskID, prRef); err != nil {
			stepErrs = append(stepErrs, fmt.Errorf("record pr ref: %w", err))
		} else {
			logger.Info("pr created", "pr_ref", prRef)
		}
	}

	// Cleanup only when something completed: a PR step ran, or the task
	// genuinely finished. A bare recovery tick re-finalizing an old task
	// must not delete a workspace someone may still be inspecting.
	if w.cleaner != nil && (prRan || reason == ReasonTaskDone || reason == ReasonUserStop) {
		if err := w.cleaner.Cleanup(ctx, task); err != nil {
			logger.Warn("workspace cleanup failed", "error", err)
			stepErrs = append(stepErrs, fmt.Errorf("cleanup: %w", err))
		}
	}

	endState := persistence.FinalizeDone
	errMsg := ""
	if len(stepErrs) > 0 {
		endState = persistence.FinalizeError
		errMsg = errors.Join(stepErrs...).Error()
		audit.Record("error", "task.finalize_finish", errMsg, taskID)
	} else {
		audit.Record("allow", "task.finalize_finish", reason, taskID)
	}
	if err := w.store.FinishFinalization(ctx, taskID, endState, errMsg); err != nil {
		return fmt.Errorf("finish finalization for %s: %w", taskID, err)
	}

	if w.metrics != nil {
		w.metrics.FinalizeDuration.Record(ctx, time.Since(started).Seconds())
		if endState == persistence.FinalizeError {
			w.metrics.FinalizeErrors.Add(ctx, 1)
		}
	}
	w.bus.Publish(bus.TopicFinalizeFinished, bus.FinalizeEvent{
		TaskID: taskID, Reason: reason, State: string(endState), Error: errMsg,
	})
	logger.Info("finalization finished", "state", string(endState))
	return nil
}

// prEligible: only cloned workspaces with a known repo and branch, no PR
// already recorded, and no user stop.
func (w *Worker) prEligible(task *persistence.Task) bool {
	return w.prCreator != nil &&
		task.WorkspaceKind == "cloned" &&
		task.RepoRoot != "" &&
		task.Branch != "" &&
		task.PRRef == "" &&
		task.UserStop == persistence.UserStopNone
}

// collectArtifacts copies the task's staging files (logs, markers, agent
// output) into the artifacts dir, bounded by the artifact timeout.
func (w *Worker) collectArtifacts(ctx context.Context, task *persistence.Task) error {
	ctx, cancel := context.WithTimeout(ctx, w.artifactTimeout)
	defer cancel()

	entries, err := os.ReadDir(w.stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read staging dir: %w", err)
	}

	destDir := filepath.Join(w.artifactsDir, task.ID)
	copied := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), task.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("artifact collection timed out after %d files: %w", copied, err)
		}
		if copied == 0 {
			if err := os.MkdirAll(destDir, 0o755); err != nil {
				return fmt.Errorf("create artifacts dir: %w", err)
			}
		}
		src := filepath.Join(w.stagingDir, entry.Name())
		dst := filepath.Join(destDir, entry.Name())
		if err := copyFile(ctx, src, dst); err != nil {
			return fmt.Errorf("copy artifact %s: %w", entry.Name(), err)
		}
		copied++
	}
	if copied > 0 {
		w.logger.Info("artifacts collected", "task_id", task.ID, "files", copied)
	}
	return nil
}

// copyFile is bounded by ctx: the artifact timeout must interrupt a copy
// mid-file, not just between files.
func copyFile(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, ctxReader{ctx: ctx, r: in}); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ctxReader fails the read once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}

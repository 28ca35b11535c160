// Package supervisor drives one task through its agent chain: start a
// container per attempt, classify failures, apply cooldowns and fall back
// until an agent succeeds or the chain is exhausted.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/warden/internal/agent"
	"github.com/basket/warden/internal/bus"
	"github.com/basket/warden/internal/config"
	"github.com/basket/warden/internal/otel"
	"github.com/basket/warden/internal/persistence"
	"github.com/basket/warden/internal/sandbox"
	"github.com/basket/warden/internal/shared"
)

// ContainerRuntime is the slice of the sandbox the supervisor drives.
type ContainerRuntime interface {
	Start(ctx context.Context, spec sandbox.StartSpec) (string, error)
	Wait(ctx context.Context, ref string) (sandbox.WaitOutcome, error)
	Inspect(ctx context.Context, ref string) (sandbox.InspectOutcome, error)
	Kill(ctx context.Context, ref string) error
	Logs(ctx context.Context, ref string, tail int) ([]string, error)
}

// errAborted signals that the supervising process is shutting down; the
// task stays ATTEMPTING and the reconciler picks it up on restart.
var errAborted = errors.New("supervision aborted by shutdown")

// Supervisor runs tasks to a terminal status. One Run call per task, one
// goroutine per Run.
type Supervisor struct {
	store    *persistence.Store
	runtime  ContainerRuntime
	cooldown *agent.CooldownTable
	cfg      config.Config
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics

	// stopPoll is how often a blocked attempt re-checks for a user stop.
	stopPoll time.Duration
}

func New(store *persistence.Store, runtime ContainerRuntime, cooldown *agent.CooldownTable, cfg config.Config, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:    store,
		runtime:  runtime,
		cooldown: cooldown,
		cfg:      cfg,
		bus:      eventBus,
		logger:   logger,
		metrics:  metrics,
		stopPoll: time.Second,
	}
}

type attemptEnd int

const (
	endSuccess attemptEnd = iota
	endFailed
	endUserStopped
	endUnknown
	endAborted
)

// Run supervises a claimed (ATTEMPTING) task until it is terminal. The
// returned Result mirrors what was persisted; the error is non-nil only
// for shutdown aborts and store failures, never for task failures.
func (s *Supervisor) Run(ctx context.Context, task *persistence.Task) (Result, error) {
	ctx = shared.WithTaskID(ctx, task.ID)
	logger := s.logger.With("task_id", task.ID)
	res := Result{TaskID: task.ID}
	started := time.Now()

	if s.metrics != nil {
		s.metrics.ActiveSupervisors.Add(ctx, 1)
		defer s.metrics.ActiveSupervisors.Add(ctx, -1)
		defer func() {
			s.metrics.TaskDuration.Record(ctx, time.Since(started).Seconds(),
				metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
		}()
	}

	chainIDs, err := agent.DecodeChain(task.AgentChain)
	if err != nil {
		logger.Error("corrupt agent chain", "error", err)
		res.Outcome = OutcomeExhausted
		res.Diagnostic = "corrupt agent chain"
		return res, s.store.MarkTerminal(ctx, task.ID, persistence.TaskStatusFailed, nil, "corrupt agent chain: "+err.Error())
	}

	attemptNo := 0
	var lastExit *int

	for pos, agentID := range chainIDs {
		// A pending stop request wins over any further chain advance.
		if stop := s.userStop(ctx, task.ID); stop != "" {
			return s.finishUserStop(ctx, task.ID, stop, res)
		}

		if err := s.store.SetCurrentIndex(ctx, task.ID, pos); err != nil {
			logger.Warn("current index not persisted", "position", pos, "error", err)
		}

		entry := s.resolveAgent(agentID)
		ctx := shared.WithAgentID(ctx, agentID)

		if s.cooldown != nil && s.cooldown.Active(ctx, agentID, entry.ConfigDir, entry.Flags) {
			logger.InfoContext(ctx, "agent skipped for active cooldown", "position", pos)
			res.Attempts = append(res.Attempts, AttemptTrace{
				Position: pos, AgentID: agentID, Skipped: true, SkipNote: "cooldown active",
			})
			res.SkippedCooldown = append(res.SkippedCooldown, agentID)
			s.bus.Publish(bus.TopicTaskCooldownSkip, bus.CooldownEvent{TaskID: task.ID, AgentID: agentID})
			if s.metrics != nil {
				s.metrics.CooldownSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
			}
			continue
		}

		retriesLeft := 0
		if s.cfg.Retry.Enabled {
			retriesLeft = s.cfg.Retry.MaxRetries
		}

	retry:
		for {
			attemptNo++
			trace, end := s.runAttempt(ctx, task, pos, attemptNo, agentID, entry)
			if end != endAborted {
				res.Attempts = append(res.Attempts, trace)
				res.TotalAttempts++
			}
			if trace.ExitCode != nil {
				lastExit = trace.ExitCode
			}

			switch end {
			case endSuccess:
				res.Outcome = OutcomeSuccess
				res.AgentUsed = agentID
				res.ExitCode = trace.ExitCode
				if err := s.store.MarkTerminal(ctx, task.ID, persistence.TaskStatusDone, trace.ExitCode, ""); err != nil {
					return res, err
				}
				s.publishCompleted(task.ID, string(persistence.TaskStatusDone), trace.ExitCode, agentID)
				logger.InfoContext(ctx, "task succeeded", "total_attempts", res.TotalAttempts)
				return res, nil

			case endUserStopped:
				stop := s.userStop(ctx, task.ID)
				return s.finishUserStop(ctx, task.ID, stop, res)

			case endUnknown:
				res.Outcome = OutcomeUnknown
				res.Diagnostic = "container gone, no completion marker"
				if s.metrics != nil {
					s.metrics.UnknownOutcomes.Add(ctx, 1)
				}
				if err := s.store.MarkTerminal(ctx, task.ID, persistence.TaskStatusUnknown, nil, res.Diagnostic); err != nil {
					return res, err
				}
				s.publishCompleted(task.ID, string(persistence.TaskStatusUnknown), nil, agentID)
				return res, nil

			case endAborted:
				return res, errAborted

			case endFailed:
				if trace.ErrorKind == ErrorKindRateLimit && s.cooldown != nil {
					s.cooldown.Set(ctx, agentID, entry.ConfigDir, entry.Flags)
					s.bus.Publish(bus.TopicTaskCooldownSet, bus.CooldownEvent{TaskID: task.ID, AgentID: agentID})
				}
				if trace.ErrorKind == ErrorKindRetryable && retriesLeft > 0 {
					retriesLeft--
					if stopped, err := s.retryBackoff(ctx, task.ID); err != nil {
						return res, err
					} else if stopped {
						stop := s.userStop(ctx, task.ID)
						return s.finishUserStop(ctx, task.ID, stop, res)
					}
					continue retry
				}
				break retry
			}
		}

		if pos < len(chainIDs)-1 {
			s.bus.Publish(bus.TopicTaskFallback, bus.FallbackEvent{
				TaskID:    task.ID,
				FromAgent: agentID,
				ToAgent:   chainIDs[pos+1],
				ErrorKind: string(lastKind(res.Attempts)),
			})
			if s.metrics != nil {
				s.metrics.FallbacksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("from", agentID)))
			}
			logger.InfoContext(ctx, "falling back to next agent", "from", agentID, "to", chainIDs[pos+1])
		}
	}

	res.Outcome = OutcomeExhausted
	res.Diagnostic = "all agents in the chain failed"
	if err := s.store.MarkTerminal(ctx, task.ID, persistence.TaskStatusFailed, lastExit, res.Diagnostic); err != nil {
		return res, err
	}
	s.publishCompleted(task.ID, string(persistence.TaskStatusFailed), lastExit, "")
	logger.Warn("agent chain exhausted", "total_attempts", res.TotalAttempts)
	return res, nil
}

// runAttempt starts one container and blocks until it resolves. The
// completion marker, when present and matching this attempt's container,
// beats the daemon's wait answer.
func (s *Supervisor) runAttempt(ctx context.Context, task *persistence.Task, pos, attemptNo int, agentID string, entry config.AgentEntry) (AttemptTrace, attemptEnd) {
	containerName := sandbox.TaskContainerName(task.ID, attemptNo)
	trace := AttemptTrace{Position: pos, AgentID: agentID, Container: containerName}
	startedAt := time.Now().UTC()

	s.bus.Publish(bus.TopicTaskAttemptStarted, bus.AttemptEvent{
		TaskID: task.ID, AgentID: agentID, Position: pos, Container: containerName,
	})
	if s.metrics != nil {
		s.metrics.AttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("agent_id", agentID)))
	}

	ref, err := s.runtime.Start(ctx, sandbox.StartSpec{
		TaskID:        task.ID,
		ContainerName: containerName,
		Command:       agentCommand(entry),
		Workdir:       task.Workdir,
		StagingDir:    s.cfg.StagingDir,
		ConfigDir:     entry.ConfigDir,
	})
	if err != nil {
		s.logger.Warn("container start failed", "task_id", task.ID, "container", containerName, "error", err)
		trace.ErrorKind = ErrorKindRetryable
		s.recordAttempt(ctx, task.ID, trace, startedAt, "start failed: "+err.Error())
		return trace, endFailed
	}
	if err := s.store.SetContainerRef(ctx, task.ID, containerName); err != nil {
		s.logger.Warn("container ref not persisted", "task_id", task.ID, "error", err)
	}

	waitOut, waitErr, end := s.waitWithStopWatch(ctx, task.ID, ref)
	if end == endAborted || end == endUserStopped {
		return trace, end
	}

	exitCode, haveExit := s.resolveExit(task.ID, containerName, waitOut, waitErr)
	finishedAt := time.Now().UTC()

	if s.metrics != nil {
		s.metrics.AttemptDuration.Record(ctx, finishedAt.Sub(startedAt).Seconds(),
			metric.WithAttributes(attribute.String("agent_id", agentID)))
	}

	if !haveExit {
		s.recordAttempt(ctx, task.ID, trace, startedAt, "container gone, no completion marker")
		return trace, endUnknown
	}
	trace.ExitCode = &exitCode

	if exitCode == 0 {
		s.recordAttempt(ctx, task.ID, trace, startedAt, "")
		s.publishAttemptFinished(task.ID, trace)
		return trace, endSuccess
	}

	evidence := FailureEvidence{ExitCode: exitCode, AgentCommand: agentCommand(entry)}
	if inspect, err := s.runtime.Inspect(ctx, ref); err == nil && inspect.Exists {
		evidence.OOMKilled = inspect.OOMKilled
	}
	if lines, err := s.runtime.Logs(ctx, ref, rateLimitWindow); err == nil {
		evidence.LogLines = lines
	}
	trace.ErrorKind = Classify(evidence)

	excerpt := strings.Join(shared.RedactLines(tail(evidence.LogLines, 5)), "\n")
	s.recordAttempt(ctx, task.ID, trace, startedAt, excerpt)
	s.publishAttemptFinished(task.ID, trace)
	s.logger.InfoContext(ctx, "attempt failed",
		"exit_code", exitCode, "error_kind", string(trace.ErrorKind))
	return trace, endFailed
}

// waitWithStopWatch blocks on the container while polling for user stop
// requests. A stop kills the container before returning.
func (s *Supervisor) waitWithStopWatch(ctx context.Context, taskID, ref string) (sandbox.WaitOutcome, error, attemptEnd) {
	type waitAnswer struct {
		out sandbox.WaitOutcome
		err error
	}
	answer := make(chan waitAnswer, 1)
	go func() {
		out, err := s.runtime.Wait(ctx, ref)
		answer <- waitAnswer{out, err}
	}()

	ticker := time.NewTicker(s.stopPoll)
	defer ticker.Stop()
	for {
		select {
		case a := <-answer:
			return a.out, a.err, endFailed // end value refined by caller
		case <-ticker.C:
			if stop := s.userStop(ctx, taskID); stop != "" {
				if err := s.runtime.Kill(ctx, ref); err != nil {
					s.logger.Warn("kill on user stop failed", "task_id", taskID, "error", err)
				}
				return sandbox.WaitOutcome{}, nil, endUserStopped
			}
		case <-ctx.Done():
			return sandbox.WaitOutcome{}, ctx.Err(), endAborted
		}
	}
}

// resolveExit reconciles the two outcome paths. The marker file is
// authoritative when it belongs to this attempt's container; a consumed
// marker is removed so a later attempt cannot read it as its own.
func (s *Supervisor) resolveExit(taskID, containerName string, waitOut sandbox.WaitOutcome, waitErr error) (int, bool) {
	markerPath := sandbox.MarkerPath(s.cfg.StagingDir, taskID)
	marker, err := sandbox.ReadMarker(markerPath)
	if err == nil && marker.ContainerName == containerName {
		_ = os.Remove(markerPath)
		if waitErr != nil && s.metrics != nil {
			s.metrics.MarkersRecovered.Add(context.Background(), 1)
		}
		return marker.ExitCode, true
	}
	if err == nil {
		// Stale marker from an earlier attempt.
		_ = os.Remove(markerPath)
	}
	if waitErr == nil {
		return waitOut.ExitCode, true
	}
	return 0, false
}

// retryBackoff waits the configured backoff between same-agent retries.
// Returns stopped=true when a user stop arrived during the wait.
func (s *Supervisor) retryBackoff(ctx context.Context, taskID string) (bool, error) {
	if _, err := s.store.TransitionTask(ctx, taskID,
		[]persistence.TaskStatus{persistence.TaskStatusAttempting}, persistence.TaskStatusRetrying, "task.retry_wait"); err != nil {
		return false, err
	}
	backoff := time.Duration(s.cfg.Retry.BackoffSeconds) * time.Second
	deadline := time.NewTimer(backoff)
	defer deadline.Stop()
	ticker := time.NewTicker(s.stopPoll)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			_, err := s.store.TransitionTask(ctx, taskID,
				[]persistence.TaskStatus{persistence.TaskStatusRetrying}, persistence.TaskStatusAttempting, "task.retry_attempt")
			return false, err
		case <-ticker.C:
			if s.userStop(ctx, taskID) != "" {
				return true, nil
			}
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (s *Supervisor) finishUserStop(ctx context.Context, taskID, kind string, res Result) (Result, error) {
	status := persistence.TaskStatusCancelled
	if kind == persistence.UserStopKill {
		status = persistence.TaskStatusKilled
	}
	res.Outcome = OutcomeUserStopped
	res.UserStop = kind
	if err := s.store.MarkTerminal(ctx, taskID, status, nil, "stopped by user"); err != nil {
		return res, err
	}
	s.publishCompleted(taskID, string(status), nil, "")
	s.logger.Info("task stopped by user", "task_id", taskID, "kind", kind)
	return res, nil
}

func (s *Supervisor) userStop(ctx context.Context, taskID string) string {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return ""
	}
	return task.UserStop
}

func (s *Supervisor) resolveAgent(agentID string) config.AgentEntry {
	if entry, ok := s.cfg.AgentByID(agentID); ok {
		return entry
	}
	// Unconfigured ids (including the implicit default) run their id as
	// the command.
	return config.AgentEntry{AgentID: agentID, Command: agentID}
}

func (s *Supervisor) recordAttempt(ctx context.Context, taskID string, trace AttemptTrace, startedAt time.Time, excerpt string) {
	finished := time.Now().UTC()
	if _, err := s.store.RecordAttempt(ctx, persistence.AttemptRecord{
		TaskID:        taskID,
		Position:      trace.Position,
		AgentID:       trace.AgentID,
		ContainerName: trace.Container,
		StartedAt:     startedAt,
		FinishedAt:    &finished,
		ExitCode:      trace.ExitCode,
		ErrorKind:     string(trace.ErrorKind),
		LogExcerpt:    shared.Redact(excerpt),
	}); err != nil {
		s.logger.Warn("attempt history not persisted", "task_id", taskID, "error", err)
	}
}

func (s *Supervisor) publishAttemptFinished(taskID string, trace AttemptTrace) {
	code := 0
	if trace.ExitCode != nil {
		code = *trace.ExitCode
	}
	s.bus.Publish(bus.TopicTaskAttemptFinished, bus.AttemptEvent{
		TaskID:    taskID,
		AgentID:   trace.AgentID,
		Position:  trace.Position,
		Container: trace.Container,
		ExitCode:  code,
		ErrorKind: string(trace.ErrorKind),
	})
}

func (s *Supervisor) publishCompleted(taskID, status string, exitCode *int, agentID string) {
	code := 0
	if exitCode != nil {
		code = *exitCode
	}
	s.bus.Publish(bus.TopicTaskCompleted, bus.TaskCompletedEvent{
		TaskID:   taskID,
		Status:   status,
		ExitCode: code,
		Agent:    agentID,
	})
}

func agentCommand(entry config.AgentEntry) string {
	cmd := entry.Command
	if cmd == "" {
		cmd = entry.AgentID
	}
	if len(entry.Flags) > 0 {
		cmd += " " + strings.Join(entry.Flags, " ")
	}
	return cmd
}

func lastKind(attempts []AttemptTrace) ErrorKind {
	for i := len(attempts) - 1; i >= 0; i-- {
		if attempts[i].ErrorKind != "" {
			return attempts[i].ErrorKind
		}
	}
	return ""
}

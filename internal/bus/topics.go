package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged    = "task.state_changed"
	TopicTaskAttemptStarted  = "task.attempt_started"
	TopicTaskAttemptFinished = "task.attempt_finished"
	TopicTaskFallback        = "task.fallback"
	TopicTaskCooldownSet     = "task.cooldown_set"
	TopicTaskCooldownSkip    = "task.cooldown_skip"
	TopicTaskCompleted       = "task.completed"
	TopicTaskUserStop        = "task.user_stop"
)

// Completion marker and finalization topics.
const (
	TopicMarkerWritten     = "marker.written"
	TopicFinalizeStarted   = "finalize.started"
	TopicFinalizeFinished  = "finalize.finished"
	TopicRecoveryReconcile = "recovery.reconcile"
)

// TaskStateChangedEvent is published when a task's status changes.
type TaskStateChangedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// AttemptEvent is published when an attempt starts or finishes.
type AttemptEvent struct {
	TaskID    string
	AgentID   string
	Position  int
	Container string
	ExitCode  int
	ErrorKind string
}

// FallbackEvent is published when the supervisor advances the agent chain.
type FallbackEvent struct {
	TaskID    string
	FromAgent string
	ToAgent   string
	ErrorKind string
}

// CooldownEvent is published when a cooldown entry is set or causes a skip.
type CooldownEvent struct {
	TaskID  string
	AgentID string
	Until   string
}

// TaskCompletedEvent is published when a task reaches a terminal status.
type TaskCompletedEvent struct {
	TaskID   string
	Status   string
	ExitCode int
	Agent    string
}

// MarkerEvent is published when a completion marker file appears on disk.
type MarkerEvent struct {
	TaskID string
	Path   string
}

// FinalizeEvent is published around a finalization run.
type FinalizeEvent struct {
	TaskID string
	Reason string
	State  string
	Error  string
}

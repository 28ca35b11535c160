package supervisor

// Outcome is the terminal result of supervising one task.
type Outcome string

const (
	// OutcomeSuccess: some chain entry exited 0.
	OutcomeSuccess Outcome = "SUCCESS"

	// OutcomeExhausted: every chain entry failed or was skipped.
	OutcomeExhausted Outcome = "EXHAUSTED"

	// OutcomeUserStopped: a cancel or kill request preempted the task.
	OutcomeUserStopped Outcome = "USER_STOPPED"

	// OutcomeUnknown: the container vanished and left no completion marker.
	OutcomeUnknown Outcome = "UNKNOWN"
)

// AttemptTrace is one entry in the ordered record of what the supervisor
// did with each chain position.
type AttemptTrace struct {
	Position  int       `json:"position"`
	AgentID   string    `json:"agent_id"`
	Container string    `json:"container,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Skipped   bool      `json:"skipped,omitempty"`
	SkipNote  string    `json:"skip_note,omitempty"`
}

// Result is what a finished supervision run reports.
type Result struct {
	TaskID          string         `json:"task_id"`
	Outcome         Outcome        `json:"outcome"`
	ExitCode        *int           `json:"exit_code,omitempty"`
	AgentUsed       string         `json:"agent_used,omitempty"`
	TotalAttempts   int            `json:"total_attempts"`
	Attempts        []AttemptTrace `json:"attempts"`
	SkippedCooldown []string       `json:"skipped_cooldown,omitempty"`
	UserStop        string         `json:"user_stop,omitempty"`
	Diagnostic      string         `json:"diagnostic,omitempty"`
}

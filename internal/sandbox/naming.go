package sandbox

import (
	"strconv"
	"strings"
)

// Container name prefixes, one per invocation kind, so operational tooling
// can filter warden containers with a single name match.
const (
	TaskPrefix      = "warden-task-"
	PreflightPrefix = "warden-preflight-"
	ShellPrefix     = "warden-shell-"
)

// TaskContainerName derives the deterministic container name for a task
// attempt. The attempt suffix keeps names unique across fallback retries of
// the same task.
func TaskContainerName(taskID string, attempt int) string {
	return TaskPrefix + shortID(taskID) + "-" + strconv.Itoa(attempt)
}

// PreflightContainerName names a pre-run environment check container.
func PreflightContainerName(taskID string) string {
	return PreflightPrefix + shortID(taskID)
}

// ShellContainerName names an interactive debugging container.
func ShellContainerName(taskID string) string {
	return ShellPrefix + shortID(taskID)
}

// IsWardenContainer reports whether the name carries one of our prefixes.
func IsWardenContainer(name string) bool {
	name = strings.TrimPrefix(name, "/")
	return strings.HasPrefix(name, TaskPrefix) ||
		strings.HasPrefix(name, PreflightPrefix) ||
		strings.HasPrefix(name, ShellPrefix)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

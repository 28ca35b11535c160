package supervisor

import (
	"path/filepath"
	"strings"
)

// ErrorKind categorizes a failed attempt for the fallback decision.
type ErrorKind string

const (
	// ErrorKindContainerCrash: the container itself died (OOM, SIGKILL).
	ErrorKindContainerCrash ErrorKind = "CONTAINER_CRASH"

	// ErrorKindRateLimit: the agent hit its provider's rate limit or quota.
	ErrorKindRateLimit ErrorKind = "RATE_LIMIT"

	// ErrorKindFatal: auth or permission failure; retrying the same agent
	// identity cannot help.
	ErrorKindFatal ErrorKind = "FATAL"

	// ErrorKindAgentFailure: the agent binary is broken or missing in the
	// image.
	ErrorKindAgentFailure ErrorKind = "AGENT_FAILURE"

	// ErrorKindRetryable is the default for any other non-zero exit.
	ErrorKindRetryable ErrorKind = "RETRYABLE"
)

const (
	rateLimitWindow = 100 // log lines inspected for rate-limit patterns
	fatalWindow     = 50  // log lines inspected for fatal patterns
)

var rateLimitPatterns = []string{
	"rate limit",
	"429",
	"too many requests",
	"quota exceeded",
}

var fatalPatterns = []string{
	"authentication failed",
	"invalid api key",
	"permission denied",
}

// FailureEvidence is everything the classifier may consult about a failed
// attempt. LogLines are in order, oldest first.
type FailureEvidence struct {
	ExitCode     int
	OOMKilled    bool
	LogLines     []string
	AgentCommand string
}

// Classify maps a failed attempt to an ErrorKind. The priority order is
// fixed: a crash diagnosis beats whatever the agent printed (an OOM-killed
// agent often dies mid-sentence about rate limits), rate limits beat fatal
// patterns, and anything unrecognized is retryable. Exit 0 is never passed
// here; a successful attempt has no failure to classify.
func Classify(ev FailureEvidence) ErrorKind {
	if ev.OOMKilled || ev.ExitCode == 137 {
		return ErrorKindContainerCrash
	}
	if matchesAny(tail(ev.LogLines, rateLimitWindow), rateLimitPatterns) {
		return ErrorKindRateLimit
	}
	if matchesAny(tail(ev.LogLines, fatalWindow), fatalPatterns) {
		return ErrorKindFatal
	}
	if ev.ExitCode == 126 || ev.ExitCode == 127 || missingBinary(ev.LogLines, ev.AgentCommand) {
		return ErrorKindAgentFailure
	}
	return ErrorKindRetryable
}

func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func matchesAny(lines, patterns []string) bool {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				return true
			}
		}
	}
	return false
}

// missingBinary looks for the shell's own complaints about the agent
// executable. "no such file" only counts when it names the agent command,
// otherwise it is likely the agent talking about the user's files.
func missingBinary(lines []string, agentCommand string) bool {
	binary := ""
	if agentCommand != "" {
		fields := strings.Fields(agentCommand)
		if len(fields) > 0 {
			binary = filepath.Base(fields[0])
		}
	}
	for _, line := range lines {
		lower := strings.ToLower(line)
		if strings.Contains(lower, "command not found") {
			return true
		}
		if strings.Contains(lower, "no such file") && binary != "" && strings.Contains(lower, strings.ToLower(binary)) {
			return true
		}
	}
	return false
}

package supervisor

import (
	"fmt"
	"testing"
)

func TestClassifyPriority(t *testing.T) {
	tests := []struct {
		name string
		ev   FailureEvidence
		want ErrorKind
	}{
		{
			name: "exit 137 beats rate limit text",
			ev: FailureEvidence{
				ExitCode: 137,
				LogLines: []string{"error: rate limit exceeded, please retry"},
			},
			want: ErrorKindContainerCrash,
		},
		{
			name: "oom flag beats everything",
			ev: FailureEvidence{
				ExitCode:  1,
				OOMKilled: true,
				LogLines:  []string{"authentication failed"},
			},
			want: ErrorKindContainerCrash,
		},
		{
			name: "429 in logs",
			ev:   FailureEvidence{ExitCode: 1, LogLines: []string{"HTTP 429 from api"}},
			want: ErrorKindRateLimit,
		},
		{
			name: "quota exceeded case insensitive",
			ev:   FailureEvidence{ExitCode: 2, LogLines: []string{"ERROR: Quota Exceeded for project"}},
			want: ErrorKindRateLimit,
		},
		{
			name: "rate limit beats fatal",
			ev: FailureEvidence{
				ExitCode: 1,
				LogLines: []string{"invalid api key", "too many requests"},
			},
			want: ErrorKindRateLimit,
		},
		{
			name: "authentication failure is fatal",
			ev:   FailureEvidence{ExitCode: 1, LogLines: []string{"fatal: Authentication Failed"}},
			want: ErrorKindFatal,
		},
		{
			name: "permission denied is fatal",
			ev:   FailureEvidence{ExitCode: 1, LogLines: []string{"open /etc/shadow: permission denied"}},
			want: ErrorKindFatal,
		},
		{
			name: "command not found",
			ev:   FailureEvidence{ExitCode: 1, LogLines: []string{"sh: claude: command not found"}},
			want: ErrorKindAgentFailure,
		},
		{
			name: "exit 127 without logs",
			ev:   FailureEvidence{ExitCode: 127},
			want: ErrorKindAgentFailure,
		},
		{
			name: "exit 126 without logs",
			ev:   FailureEvidence{ExitCode: 126},
			want: ErrorKindAgentFailure,
		},
		{
			name: "no such file naming the agent binary",
			ev: FailureEvidence{
				ExitCode:     1,
				LogLines:     []string{"sh: /usr/local/bin/aider: No such file or directory"},
				AgentCommand: "aider --yes",
			},
			want: ErrorKindAgentFailure,
		},
		{
			name: "no such file about user files stays retryable",
			ev: FailureEvidence{
				ExitCode:     1,
				LogLines:     []string{"open notes.txt: no such file or directory"},
				AgentCommand: "aider --yes",
			},
			want: ErrorKindRetryable,
		},
		{
			name: "plain non-zero exit",
			ev:   FailureEvidence{ExitCode: 1, LogLines: []string{"tests failed"}},
			want: ErrorKindRetryable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.ev); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyWindows(t *testing.T) {
	// A rate-limit line older than the last 100 lines is out of scope.
	lines := make([]string, 0, 150)
	lines = append(lines, "too many requests")
	for i := 0; i < 149; i++ {
		lines = append(lines, fmt.Sprintf("progress line %d", i))
	}
	if got := Classify(FailureEvidence{ExitCode: 1, LogLines: lines}); got != ErrorKindRetryable {
		t.Errorf("stale rate-limit line classified as %s", got)
	}

	// A fatal line within the last 100 but outside the last 50 is out of
	// the fatal window.
	lines = make([]string, 0, 100)
	lines = append(lines, "invalid api key")
	for i := 0; i < 70; i++ {
		lines = append(lines, fmt.Sprintf("progress line %d", i))
	}
	if got := Classify(FailureEvidence{ExitCode: 1, LogLines: lines}); got != ErrorKindRetryable {
		t.Errorf("stale fatal line classified as %s", got)
	}
}

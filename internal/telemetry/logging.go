package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/warden/internal/shared"
)

// NewLogger builds the process logger: JSON lines to
// <homeDir>/logs/system.jsonl, mirrored to stdout unless quiet.
// Attribute values are passed through secret redaction before emission.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := parseLevel(level)
	var w io.Writer
	if quiet {
		w = file
	} else {
		w = io.MultiWriter(os.Stdout, file)
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Key = "timestamp"
			}
			if shouldRedactKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}
			if a.Value.Kind() == slog.KindString {
				if redacted, ok := redactStringValue(a.Value.String()); ok {
					return slog.String(a.Key, redacted)
				}
			}
			return a
		},
	})
	logger := slog.New(supervisionHandler{handler}).With("component", "warden")
	return logger, file, nil
}

// supervisionHandler stamps records with the supervision ids carried on
// the context, so one task's attempts correlate across supervisor,
// reconciler and finalizer log lines.
type supervisionHandler struct {
	slog.Handler
}

func (h supervisionHandler) Handle(ctx context.Context, rec slog.Record) error {
	if id := shared.TraceID(ctx); id != "-" {
		rec.AddAttrs(slog.String("trace_id", id))
	}
	if id := shared.TaskID(ctx); id != "" {
		rec.AddAttrs(slog.String("task_id", id))
	}
	if id := shared.AgentID(ctx); id != "" {
		rec.AddAttrs(slog.String("agent_id", id))
	}
	return h.Handler.Handle(ctx, rec)
}

func (h supervisionHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return supervisionHandler{h.Handler.WithAttrs(attrs)}
}

func (h supervisionHandler) WithGroup(name string) slog.Handler {
	return supervisionHandler{h.Handler.WithGroup(name)}
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Full redaction for strings containing bearer tokens or auth headers.
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

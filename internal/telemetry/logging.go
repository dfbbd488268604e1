// Package telemetry sets up the process-wide structured logger.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/anemos/assistant-fabric/internal/redact"
)

// NewLogger opens homeDir/logs/system.jsonl and returns a slog.Logger that
// writes JSON lines to both stdout (unless quiet) and the file, redacting
// credential-shaped attributes before they are ever formatted.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, "system.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = f
	if !quiet {
		w = io.MultiWriter(os.Stdout, f)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	})

	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, f, nil
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if shouldRedactKey(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
		return a
	}
	if a.Value.Kind() == slog.KindString {
		a.Value = slog.StringValue(redactStringValue(a.Value.String()))
	}
	return a
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) string {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]"
	}
	return redact.Scrub(v)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/qualivox/callaudit/pkg/models"
	"github.com/qualivox/callaudit/pkg/sanitize"
	"github.com/qualivox/callaudit/pkg/store"
)

// RunLogger appends sanitized structured lines to a run's automation_logs
// and mirrors them to slog. With debug file logging enabled it also
// appends to automation-run-<runId>.log in the configured directory.
// Log writes are best-effort: a failed append is reported to slog and
// never fails the run.
type RunLogger struct {
	runID     int64
	logs      *store.RunLogStore
	sanitizer *sanitize.Sanitizer
	logger    *slog.Logger
	debugPath string
}

func newRunLogger(runID int64, logs *store.RunLogStore, sanitizer *sanitize.Sanitizer, debugDir string, debugToFile bool) *RunLogger {
	rl := &RunLogger{
		runID:     runID,
		logs:      logs,
		sanitizer: sanitizer,
		logger:    slog.Default().With("component", "automation-run", "run_id", runID),
	}
	if debugToFile {
		rl.debugPath = filepath.Join(debugDir, fmt.Sprintf("automation-run-%d.log", runID))
	}
	return rl
}

func (l *RunLogger) Debug(ctx context.Context, msg string, metadata models.Metadata) {
	l.append(ctx, models.LogLevelDebug, msg, metadata)
}

func (l *RunLogger) Info(ctx context.Context, msg string, metadata models.Metadata) {
	l.append(ctx, models.LogLevelInfo, msg, metadata)
}

func (l *RunLogger) Warn(ctx context.Context, msg string, metadata models.Metadata) {
	l.append(ctx, models.LogLevelWarning, msg, metadata)
}

func (l *RunLogger) Error(ctx context.Context, msg string, metadata models.Metadata) {
	l.append(ctx, models.LogLevelError, msg, metadata)
}

func (l *RunLogger) append(ctx context.Context, level models.LogLevel, msg string, metadata models.Metadata) {
	msg = l.sanitizer.String(msg)
	metadata = models.Metadata(l.sanitizer.Metadata(metadata))

	switch level {
	case models.LogLevelError:
		l.logger.Error(msg, "metadata", metadata)
	case models.LogLevelWarning:
		l.logger.Warn(msg, "metadata", metadata)
	case models.LogLevelDebug:
		l.logger.Debug(msg, "metadata", metadata)
	default:
		l.logger.Info(msg, "metadata", metadata)
	}

	if err := l.logs.Append(ctx, l.runID, level, msg, metadata); err != nil {
		l.logger.Error("Failed to append run log", "error", err)
	}
	l.appendDebugFile(level, msg, metadata)
}

// appendDebugFile writes one JSON line to the per-run debug file.
func (l *RunLogger) appendDebugFile(level models.LogLevel, msg string, metadata models.Metadata) {
	if l.debugPath == "" {
		return
	}
	f, err := os.OpenFile(l.debugPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Warn("Failed to open debug log file", "path", l.debugPath, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(map[string]any{
		"ts":       time.Now().UTC().Format(time.RFC3339Nano),
		"level":    level,
		"message":  msg,
		"metadata": metadata,
	})
	if err != nil {
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.logger.Warn("Failed to write debug log line", "path", l.debugPath, "error", err)
	}
}

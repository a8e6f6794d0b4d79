package bridge

import (
	"context"
	"path/filepath"
	goruntime "runtime"

	"github.com/normanking/avatarbridge/internal/logging"
	"github.com/wailsapp/wails/v2/pkg/runtime"
)

// EventLogEntry streams log entries to the frontend.
const EventLogEntry = "log:entry"

// LogBridge exposes logging methods to the frontend
type LogBridge struct {
	ctx    context.Context
	logger *logging.Logger
	emit   EmitFunc
	open   func(ctx context.Context, url string)
}

// NewLogBridge creates a new log bridge. A nil emit uses the Wails runtime.
func NewLogBridge(logger *logging.Logger, emit EmitFunc) *LogBridge {
	if emit == nil {
		emit = runtime.EventsEmit
	}
	return &LogBridge{
		logger: logger,
		emit:   emit,
		open:   runtime.BrowserOpenURL,
	}
}

// Bind sets the Wails context and streams new entries to the frontend.
func (b *LogBridge) Bind(ctx context.Context) {
	b.ctx = ctx
	b.logger.SetOnLog(func(entry logging.LogEntry) {
		b.emit(ctx, EventLogEntry, entry)
	})
}

// Log logs a message from the frontend
func (b *LogBridge) Log(level, component, message string, data map[string]any) {
	b.logger.Log(logging.LogLevel(level), component, message, data)
}

// GetLogHistory returns recent log entries
func (b *LogBridge) GetLogHistory(limit int) []logging.LogEntry {
	return b.logger.GetHistory(limit)
}

// GetLogPath returns the current log file path
func (b *LogBridge) GetLogPath() string {
	return b.logger.GetLogPath()
}

// OpenLogDir opens the log directory with the system handler.
func (b *LogBridge) OpenLogDir() {
	if b.ctx == nil {
		return
	}
	b.open(b.ctx, "file://"+filepath.ToSlash(filepath.Dir(b.logger.GetLogPath())))
}

// GetSystemInfo returns system information for troubleshooting
func (b *LogBridge) GetSystemInfo() map[string]any {
	var m goruntime.MemStats
	goruntime.ReadMemStats(&m)
	return map[string]any{
		"os":           goruntime.GOOS,
		"arch":         goruntime.GOARCH,
		"goVersion":    goruntime.Version(),
		"numCPU":       goruntime.NumCPU(),
		"numGoroutine": goruntime.NumGoroutine(),
		"memAllocMB":   m.Alloc / 1024 / 1024,
		"memSysMB":     m.Sys / 1024 / 1024,
		"numGC":        m.NumGC,
		"logPath":      b.logger.GetLogPath(),
	}
}

package audit

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogWriter is the local-development Writer: events go to the logger.
type LogWriter struct {
	logger *zap.Logger
}

func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(e *Event) {
	lvl := zapcore.InfoLevel
	switch e.Level {
	case LevelDebug:
		lvl = zapcore.DebugLevel
	case LevelWarn:
		lvl = zapcore.WarnLevel
	case LevelError:
		lvl = zapcore.ErrorLevel
	}
	w.logger.Check(lvl, "audit_event").Write(
		zap.String("event_id", e.EventID),
		zap.String("event", e.Name),
		zap.String("execution_id", e.ExecutionID),
		zap.String("project_id", e.ProjectID),
		zap.String("user_id", e.UserID),
		zap.String("session_id", e.SessionID),
		zap.String("data", e.Data),
		zap.String("payload_hash", e.PayloadHash),
		zap.Uint32("output_size", e.OutputSize),
	)
}

func (w *LogWriter) Close() {}

// MemoryWriter keeps events in memory. Used by tests and the CLI.
type MemoryWriter struct {
	mu     sync.Mutex
	events []*Event
}

func (w *MemoryWriter) Write(e *Event) {
	w.mu.Lock()
	w.events = append(w.events, e)
	w.mu.Unlock()
}

func (w *MemoryWriter) Close() {}

// Events returns a copy of everything written.
func (w *MemoryWriter) Events() []*Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*Event(nil), w.events...)
}

// Names returns event names in write order.
func (w *MemoryWriter) Names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.events))
	for i, e := range w.events {
		out[i] = e.Name
	}
	return out
}

package observability

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypePass        EventType = "pass"
	EventTypeParse       EventType = "parse"
	EventTypeValidation  EventType = "validation"
	EventTypePlan        EventType = "plan"
	EventTypePolicyCheck EventType = "policy_check"
	EventTypeCommand     EventType = "command"
	EventTypeSnapshot    EventType = "snapshot"
	EventTypeStatus      EventType = "status"
	EventTypeLLM         EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. LLM transcripts additionally go to a
// size-rotated JSONL file.
type Logger struct {
	zap        *zap.Logger
	llmLogPath string
	maxSize    int64
}

func NewLogger(z *zap.Logger, llmLogPath string) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{
		zap:        z,
		llmLogPath: llmLogPath,
		maxSize:    10 * 1024 * 1024, // 10MB
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return NewLogger(zap.NewNop(), "")
}

func (l *Logger) Zap() *zap.Logger { return l.zap }

func (l *Logger) Debug(msg string, fields ...zap.Field) { l.zap.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.zap.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.zap.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.zap.Error(msg, fields...) }

// Log emits a structured event.
func (l *Logger) Log(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	l.zap.Info(string(evt.Type),
		zap.String("session_id", evt.SessionID),
		zap.String("step_id", evt.StepID),
		zap.Any("data", evt.Data),
	)

	if evt.Type == EventTypeLLM && l.llmLogPath != "" {
		data, err := json.Marshal(evt)
		if err != nil {
			l.zap.Warn("failed to marshal llm event", zap.Error(err))
			return
		}
		l.writeToFile(data)
	}
}

func (l *Logger) writeToFile(data []byte) {
	if err := os.MkdirAll(filepath.Dir(l.llmLogPath), 0755); err != nil {
		l.zap.Warn("failed to create log directory", zap.Error(err))
		return
	}

	// Check size before writing
	info, err := os.Stat(l.llmLogPath)
	if err == nil && info.Size() > l.maxSize {
		l.rotateLogs()
	}

	f, err := os.OpenFile(l.llmLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		l.zap.Warn("failed to open log file", zap.Error(err))
		return
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.zap.Warn("failed to write to log file", zap.Error(err))
	}
}

func (l *Logger) rotateLogs() {
	// Simple rotation: keep one .old file
	oldPath := l.llmLogPath + ".old"
	_ = os.Remove(oldPath)
	_ = os.Rename(l.llmLogPath, oldPath)
}

// Helper methods for common events

func (l *Logger) LogPolicyCheck(sessionID, stepID, run, source string, approved bool) {
	l.Log(Event{
		Type:      EventTypePolicyCheck,
		SessionID: sessionID,
		StepID:    stepID,
		Data: map[string]any{
			"run":      run,
			"source":   source,
			"approved": approved,
		},
	})
}

func (l *Logger) LogCommand(sessionID, stepID, run string, exitCode *int, killed, timedOut, canceled bool, took time.Duration) {
	data := map[string]any{
		"run":         run,
		"killed":      killed,
		"timed_out":   timedOut,
		"canceled":    canceled,
		"duration_ms": took.Milliseconds(),
	}
	if exitCode != nil {
		data["exit_code"] = *exitCode
	}
	l.Log(Event{Type: EventTypeCommand, SessionID: sessionID, StepID: stepID, Data: data})
}

func (l *Logger) LogLLM(sessionID string, prompt any, response string) {
	l.Log(Event{
		Type:      EventTypeLLM,
		SessionID: sessionID,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	})
}

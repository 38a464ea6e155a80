package logger

import (
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel converts a flag value into a Level, defaulting to info
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn:
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides JSON Lines logging
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
	level  Level
}

// NewLogger creates a new Logger
func NewLogger(writer io.Writer, level Level) *Logger {
	if writer == nil {
		writer = os.Stdout
	}
	return &Logger{
		writer: writer,
		level:  level,
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return NewLogger(io.Discard, LevelError)
}

// DownloadDecisionEvent represents an enforcement decision on a download
type DownloadDecisionEvent struct {
	Timestamp  string `json:"ts"`
	Level      string `json:"level"`
	Event      string `json:"event"`
	Source     string `json:"source"`
	DownloadID int64  `json:"download_id"`
	URL        string `json:"url,omitempty"`
	Filename   string `json:"filename,omitempty"`
	Ext        string `json:"ext"`
	MIME       string `json:"mime"`
	Allow      bool   `json:"allow"`
	Reason     string `json:"reason"`
	RequestID  string `json:"request_id,omitempty"`
}

// DownloadDecision carries the fields of a DownloadDecisionEvent
type DownloadDecision struct {
	Source     string
	DownloadID int64
	URL        string
	Filename   string
	Ext        string
	MIME       string
	Allow      bool
	Reason     string
	RequestID  string
}

// LogDownloadDecision logs a download decision. Blocks are logged at warn.
func (l *Logger) LogDownloadDecision(d DownloadDecision) {
	level := LevelInfo
	if !d.Allow {
		level = LevelWarn
	}
	if !l.shouldLog(level) {
		return
	}

	l.writeJSON(DownloadDecisionEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      string(level),
		Event:      "download_decision",
		Source:     d.Source,
		DownloadID: d.DownloadID,
		URL:        truncate(d.URL, 256),
		Filename:   d.Filename,
		Ext:        d.Ext,
		MIME:       d.MIME,
		Allow:      d.Allow,
		Reason:     d.Reason,
		RequestID:  d.RequestID,
	})
}

// GenericEvent represents a generic log event
type GenericEvent struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Log logs a generic event
func (l *Logger) Log(level Level, event, message string, data map[string]interface{}) {
	e := GenericEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Event:     event,
		Message:   message,
		Data:      data,
	}

	l.writeJSON(e)
}

// Debug logs a debug event
func (l *Logger) Debug(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelDebug) {
		l.Log(LevelDebug, event, message, data)
	}
}

// Info logs an info event
func (l *Logger) Info(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelInfo) {
		l.Log(LevelInfo, event, message, data)
	}
}

// Warn logs a warning event
func (l *Logger) Warn(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelWarn) {
		l.Log(LevelWarn, event, message, data)
	}
}

// Error logs an error event
func (l *Logger) Error(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelError) {
		l.Log(LevelError, event, message, data)
	}
}

// writeJSON writes a JSON line to the output
func (l *Logger) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		os.Stderr.WriteString("Failed to marshal log: " + err.Error() + "\n")
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Write(append(data, '\n'))
}

// shouldLog checks if a log level should be logged
func (l *Logger) shouldLog(level Level) bool {
	if l == nil {
		return false
	}
	return levelRank[level] >= levelRank[l.level]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

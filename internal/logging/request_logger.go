package logging

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// RequestLogger appends one line per upstream attempt to a rotating file.
// It exists for operator debugging of translation and fallback behavior;
// when disabled every call is a no-op.
type RequestLogger struct {
	mu      sync.Mutex
	enabled bool
	writer  *lumberjack.Logger
}

// NewRequestLogger creates a request logger writing under dir.
func NewRequestLogger(enabled bool, dir string) *RequestLogger {
	l := &RequestLogger{enabled: enabled}
	if enabled {
		l.writer = &lumberjack.Logger{
			Filename:   dir + "/requests.log",
			MaxSize:    50,
			MaxBackups: 5,
			Compress:   true,
		}
	}
	return l
}

// IsEnabled reports whether request logging is active.
func (l *RequestLogger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// SetEnabled flips request logging at runtime (config hot reload).
func (l *RequestLogger) SetEnabled(enabled bool, dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if enabled && l.writer == nil {
		l.writer = &lumberjack.Logger{
			Filename:   dir + "/requests.log",
			MaxSize:    50,
			MaxBackups: 5,
			Compress:   true,
		}
	}
	l.enabled = enabled
}

// LogAttempt records one upstream attempt outcome.
func (l *RequestLogger) LogAttempt(backend, model, credential string, status int, elapsed time.Duration, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || l.writer == nil {
		return
	}
	line := fmt.Sprintf("[%s] backend=%s model=%s credential=%s status=%d elapsed=%s %s\n",
		time.Now().Format(time.RFC3339), backend, model, credential, status, elapsed.Round(time.Millisecond), detail)
	_, _ = l.writer.Write([]byte(line))
}

// Close flushes and closes the underlying writer.
func (l *RequestLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		return l.writer.Close()
	}
	return nil
}

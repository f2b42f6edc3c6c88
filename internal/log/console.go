package log

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ConsoleLogger is a simple, leveled logging engine that writes one line per message to an
// output stream, standard output by default.
type ConsoleLogger struct {
	level Level
	out   io.Writer
	mutex sync.Mutex
}

// NewConsoleLogger creates a logger limited to the specified level. Only log messages that are less
// verbose than the specified level are logged.
func NewConsoleLogger(level Level) Logger {
	return NewWriterLogger(os.Stdout, level)
}

// NewWriterLogger creates a leveled logger that writes to an arbitrary stream. Writes are
// serialized, so a single logger may be shared between the UDP and TCP listeners.
func NewWriterLogger(out io.Writer, level Level) Logger {
	return &ConsoleLogger{level: level, out: out}
}

// Debug logs a debug message, if permitted by the current level.
func (l *ConsoleLogger) Debug(format string, v ...interface{}) {
	l.log(Debug, format, v...)
}

// Info logs an informational message, if permitted by the current level.
func (l *ConsoleLogger) Info(format string, v ...interface{}) {
	l.log(Info, format, v...)
}

// Warn logs a warning message, if permitted by the current level.
func (l *ConsoleLogger) Warn(format string, v ...interface{}) {
	l.log(Warn, format, v...)
}

// Error logs an error message, if permitted by the current level.
func (l *ConsoleLogger) Error(format string, v ...interface{}) {
	l.log(Error, format, v...)
}

// Level reads the current logging level.
func (l *ConsoleLogger) Level() Level {
	return l.level
}

// log writes a message with a timestamp and level indicator, if permitted by the current level.
func (l *ConsoleLogger) log(level Level, format string, v ...interface{}) {
	if !l.level.Enables(level) {
		return
	}

	line := fmt.Sprintf(
		"%s %s\t%s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		level,
		fmt.Sprintf(format, v...),
	)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	io.WriteString(l.out, line)
}

// NoopLogger discards every message. It is convenient in tests and as a default for optional
// logger fields.
type NoopLogger struct{}

// NewNoopLogger creates a logger that discards all messages.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// Debug noops.
func (NoopLogger) Debug(format string, v ...interface{}) {}

// Info noops.
func (NoopLogger) Info(format string, v ...interface{}) {}

// Warn noops.
func (NoopLogger) Warn(format string, v ...interface{}) {}

// Error noops.
func (NoopLogger) Error(format string, v ...interface{}) {}

// Level reports Error, the least verbose level.
func (NoopLogger) Level() Level {
	return Error
}

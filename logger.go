package mauproxy

//
// Logging
//

// Logger is the logging interface required by this package. It is
// satisfied by github.com/apex/log's package-level Log variable.
type Logger interface {
	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Debug emits a debug message.
	Debug(message string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Info emits an informational message.
	Info(message string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)

	// Warn emits a warning message.
	Warn(message string)
}

// NullLogger is a [Logger] that discards every message.
type NullLogger struct{}

var _ Logger = &NullLogger{}

// Debug implements Logger.
func (*NullLogger) Debug(message string) {}

// Debugf implements Logger.
func (*NullLogger) Debugf(format string, v ...any) {}

// Info implements Logger.
func (*NullLogger) Info(message string) {}

// Infof implements Logger.
func (*NullLogger) Infof(format string, v ...any) {}

// Warn implements Logger.
func (*NullLogger) Warn(message string) {}

// Warnf implements Logger.
func (*NullLogger) Warnf(format string, v ...any) {}

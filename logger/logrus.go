package logger

import (
	"github.com/sirupsen/logrus"

	"btcore"
)

// Logrus wraps a logrus.Logger to implement btcore.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates a btcore.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) btcore.Logger {
	return &Logrus{logger: logger}
}

// Error logs an error message with key-value pairs.
func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

// Warn logs a warning message with key-value pairs.
func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

// Info logs an info message with key-value pairs.
func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	eachPair(args, func(key string, val any) {
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		fields[key] = val
	})
	return fields
}

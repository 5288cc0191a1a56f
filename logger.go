package btcore

// Logger is the subset of *slog.Logger the engine logs through. Arguments
// after msg are alternating keys and values. Package logger adapts zap and
// logrus to it.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger drops every record. It is the default.
type DiscardLogger struct{}

func (DiscardLogger) Error(string, ...any) {}

func (DiscardLogger) Warn(string, ...any) {}

func (DiscardLogger) Info(string, ...any) {}

package logger

import (
	"go.uber.org/zap"

	"btcore"
)

// Zap logs engine events through a zap.Logger named "btcore".
type Zap struct {
	logger *zap.Logger
}

// NewZap returns a btcore.Logger writing to logger. Caller information
// points at the engine code that logged, not at the adapter.
func NewZap(logger *zap.Logger) btcore.Logger {
	return &Zap{logger: logger.Named("btcore").WithOptions(zap.AddCallerSkip(1))}
}

func (z *Zap) Error(msg string, args ...any) { z.logger.Error(msg, zapFields(args)...) }

func (z *Zap) Warn(msg string, args ...any) { z.logger.Warn(msg, zapFields(args)...) }

func (z *Zap) Info(msg string, args ...any) { z.logger.Info(msg, zapFields(args)...) }

func zapFields(args []any) []zap.Field {
	fields := make([]zap.Field, 0, (len(args)+1)/2)
	eachPair(args, func(key string, val any) {
		if err, ok := val.(error); ok {
			fields = append(fields, zap.NamedError(key, err))
			return
		}
		fields = append(fields, zap.Any(key, val))
	})
	return fields
}

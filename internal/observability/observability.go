// Package observability provides the process-wide logger.
package observability

import (
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func NewLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}

var Module = fx.Module("observability",
	fx.Provide(NewLogger),
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		zl := &fxevent.ZapLogger{Logger: log.Named("fx")}
		zl.UseLogLevel(zapcore.DebugLevel)
		return zl
	}),
)

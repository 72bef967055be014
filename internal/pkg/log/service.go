// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewServiceLogger creates a production logger for a long-running service.
func NewServiceLogger(w io.Writer, format Format, debug bool) Logger {
	level := InfoLevel
	if debug {
		level = DebugLevel
	}
	return loggerFromZapCore(zapcore.NewCore(newEncoder(format), zapcore.Lock(zapcore.AddSync(w)), level))
}

// NewNopLogger returns a logger which discards all messages.
func NewNopLogger() Logger {
	return loggerFromZapCore(zapcore.NewNopCore())
}

func newEncoder(format Format) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.MessageKey = "message"
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder
	cfg.CallerKey = ""
	cfg.StacktraceKey = ""
	if format == FormatJSON {
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(cfg)
}

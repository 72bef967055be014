// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/umisama/go-regexpcache"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/keboola/task-worker/internal/pkg/ctxattr"
)

const componentKey = "component"

// zapLogger is the default implementation of the Logger interface.
type zapLogger struct {
	core      *zap.Logger
	component string
	attrs     []attribute.KeyValue
}

func loggerFromZapCore(core zapcore.Core) *zapLogger {
	return &zapLogger{core: zap.New(core)}
}

func (l *zapLogger) With(attrs ...attribute.KeyValue) Logger {
	clone := *l
	clone.attrs = append(append([]attribute.KeyValue(nil), l.attrs...), attrs...)
	return &clone
}

// WithComponent appends the component name to the current one, separated by a dot.
func (l *zapLogger) WithComponent(component string) Logger {
	clone := *l
	if clone.component == "" {
		clone.component = component
	} else {
		clone.component += "." + component
	}
	return &clone
}

func (l *zapLogger) WithDuration(v time.Duration) Logger {
	return l.With(attribute.String("duration", v.String()))
}

func (l *zapLogger) Debug(ctx context.Context, message string) {
	l.log(ctx, DebugLevel, message)
}

func (l *zapLogger) Info(ctx context.Context, message string) {
	l.log(ctx, InfoLevel, message)
}

func (l *zapLogger) Warn(ctx context.Context, message string) {
	l.log(ctx, WarnLevel, message)
}

func (l *zapLogger) Error(ctx context.Context, message string) {
	l.log(ctx, ErrorLevel, message)
}

func (l *zapLogger) Debugf(ctx context.Context, template string, args ...any) {
	l.log(ctx, DebugLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Infof(ctx context.Context, template string, args ...any) {
	l.log(ctx, InfoLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Warnf(ctx context.Context, template string, args ...any) {
	l.log(ctx, WarnLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Errorf(ctx context.Context, template string, args ...any) {
	l.log(ctx, ErrorLevel, fmt.Sprintf(template, args...))
}

func (l *zapLogger) Sync() error {
	return l.core.Sync()
}

func (l *zapLogger) log(ctx context.Context, level zapcore.Level, message string) {
	if !l.core.Core().Enabled(level) {
		return
	}

	// Logger attributes take precedence over the context attributes
	set := attribute.NewSet(append(ctxattr.Attributes(ctx).ToSlice(), l.attrs...)...)
	message = replacePlaceholders(message, &set)

	ce := l.core.Check(level, message)
	if ce == nil {
		return
	}

	fields := make([]zapcore.Field, 0, set.Len()+1)
	if l.component != "" {
		fields = append(fields, zap.String(componentKey, l.component))
	}
	for iter := set.Iter(); iter.Next(); {
		kv := iter.Attribute()
		fields = append(fields, zap.Any(string(kv.Key), kv.Value.AsInterface()))
	}
	ce.Write(fields...)
}

// replacePlaceholders replaces <attribute.key> placeholders in the message by attribute values.
// Unknown placeholders are kept.
func replacePlaceholders(message string, set *attribute.Set) string {
	if !strings.Contains(message, "<") {
		return message
	}
	return regexpcache.MustCompile(`<[a-zA-Z0-9._\-]+>`).ReplaceAllStringFunc(message, func(s string) string {
		if v, ok := set.Value(attribute.Key(strings.Trim(s, "<>"))); ok {
			return v.Emit()
		}
		return s
	})
}

// ZapLoggerFor returns the underlying zap logger, for libraries which require it, for example the etcd client.
// The component is added as a field.
func ZapLoggerFor(logger Logger) *zap.Logger {
	l, ok := logger.(*zapLogger)
	if !ok {
		if d, ok := logger.(*debugLogger); ok {
			l = d.zapLogger
		} else {
			return zap.NewNop()
		}
	}
	if l.component == "" {
		return l.core
	}
	return l.core.With(zap.String(componentKey, l.component))
}

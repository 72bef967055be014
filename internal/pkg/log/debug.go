// nolint:forbidigo // allow usage of the "zap" package
package log

import (
	"bufio"
	"io"
	"strings"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"

	"github.com/keboola/task-worker/internal/pkg/encoding/json"
	"github.com/keboola/task-worker/internal/pkg/utils/ioutil"
)

type debugLogger struct {
	*zapLogger
	all *ioutil.AtomicWriter
}

// NewDebugLogger creates a logger which stores all messages as JSON lines in memory.
// It is intended for tests.
func NewDebugLogger() DebugLogger {
	all := ioutil.NewAtomicWriter()
	core := zapcore.NewCore(newEncoder(FormatJSON), all, DebugLevel)
	return &debugLogger{zapLogger: loggerFromZapCore(core), all: all}
}

func (l *debugLogger) ConnectTo(writer io.Writer) {
	l.all.ConnectTo(writer)
}

func (l *debugLogger) Truncate() {
	l.all.Truncate()
}

func (l *debugLogger) AllMessages() string {
	return l.all.String()
}

func (l *debugLogger) DebugMessages() string {
	return l.filter(DebugLevel)
}

func (l *debugLogger) InfoMessages() string {
	return l.filter(InfoLevel)
}

func (l *debugLogger) WarnMessages() string {
	return l.filter(WarnLevel)
}

func (l *debugLogger) WarnAndErrorMessages() string {
	return l.filter(WarnLevel, ErrorLevel)
}

func (l *debugLogger) ErrorMessages() string {
	return l.filter(ErrorLevel)
}

func (l *debugLogger) CompareJSONMessages(expected string) error {
	return CompareJSONMessages(expected, l.AllMessages())
}

func (l *debugLogger) AssertJSONMessages(t assert.TestingT, expected string, msgAndArgs ...any) bool {
	return AssertJSONMessages(t, expected, l.AllMessages(), msgAndArgs...)
}

func (l *debugLogger) filter(levels ...zapcore.Level) string {
	var out strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(l.all.String()))
	for scanner.Scan() {
		var record struct {
			Level string `json:"level"`
		}
		if err := json.DecodeString(scanner.Text(), &record); err != nil {
			continue
		}
		for _, level := range levels {
			if record.Level == level.String() {
				out.WriteString(scanner.Text())
				out.WriteString("\n")
				break
			}
		}
	}
	return out.String()
}

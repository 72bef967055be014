package errors

import (
	"fmt"
	"runtime"
	"strings"
	"unicode"
)

const (
	Indent = "  "
	Bullet = "- "
)

type FormatOption func(c *FormatConfig)

type FormatConfig struct {
	WithStack   bool
	WithUnwrap  bool
	AsSentences bool
}

// FormatWithStack adds the location of the error origin to each message.
func FormatWithStack() FormatOption {
	return func(c *FormatConfig) {
		c.WithStack = true
	}
}

// FormatWithUnwrap writes also wrapped errors with their type.
func FormatWithUnwrap() FormatOption {
	return func(c *FormatConfig) {
		c.WithUnwrap = true
	}
}

// FormatAsSentences converts each message to a sentence: first letter upper case, dot at the end.
func FormatAsSentences() FormatOption {
	return func(c *FormatConfig) {
		c.AsSentences = true
	}
}

func Format(err error, opts ...FormatOption) string {
	if err == nil {
		return ""
	}
	w := &writer{}
	for _, o := range opts {
		o(&w.config)
	}
	w.writeError(0, err, nil)
	return w.out.String()
}

type writer struct {
	config FormatConfig
	out    strings.Builder
}

func (w *writer) writeError(level int, err error, trace StackTrace) {
	if v, ok := err.(stackTracer); ok { // nolint: errorlint
		trace = v.StackTrace()
	}

	// nolint: errorlint
	switch v := err.(type) {
	case nestedErrorGetter:
		w.writeNested(level, v.MainError(), v.WrappedErrors(), trace)
	case multiErrorGetter:
		w.writeList(level, v.WrappedErrors())
	case *withStack:
		w.writeError(level, v.error, trace)
	default:
		w.out.WriteString(w.message(err.Error(), trace))
		if w.config.WithUnwrap {
			if sub := Unwrap(err); sub != nil {
				w.out.WriteString(fmt.Sprintf(" (%T):\n", err))
				w.out.WriteString(strings.Repeat(Indent, level) + Bullet)
				w.writeError(level+1, sub, nil)
			}
		}
	}
}

func (w *writer) writeNested(level int, main error, errs []error, trace StackTrace) {
	mainWriter := &writer{config: w.config}
	mainWriter.writeError(level, main, trace)
	mainStr := mainWriter.out.String()
	if len(errs) == 0 {
		w.out.WriteString(mainStr)
		return
	}

	subWriter := &writer{config: w.config}
	subWriter.writeList(level, errs)
	subStr := subWriter.out.String()

	w.out.WriteString(strings.TrimRight(mainStr, ".,:") + ":")
	if len(errs) > 1 || len(mainStr)+len(subStr) > 60 || strings.Contains(subStr, "\n") {
		w.out.WriteString("\n")
		if len(errs) == 1 {
			w.out.WriteString(strings.Repeat(Indent, level) + Bullet)
			w.writeError(level+1, errs[0], nil)
		} else {
			w.writeList(level, errs)
		}
	} else {
		w.out.WriteString(" " + subStr)
	}
}

func (w *writer) writeList(level int, errs []error) {
	bullets := len(errs) > 1
	for i, err := range errs {
		if i > 0 {
			w.out.WriteString("\n")
		}
		if bullets {
			w.out.WriteString(strings.Repeat(Indent, level) + Bullet)
		}
		w.writeError(level+1, err, nil)
	}
}

func (w *writer) message(msg string, trace StackTrace) string {
	if w.config.AsSentences {
		msg = strings.TrimSpace(msg)
		if msg != "" {
			runes := []rune(msg)
			runes[0] = unicode.ToUpper(runes[0])
			msg = string(runes)
			if !strings.HasSuffix(msg, ".") {
				msg += "."
			}
		}
	}
	if w.config.WithStack && len(trace) > 0 {
		if fn := runtime.FuncForPC(trace[0] - 1); fn != nil {
			file, line := fn.FileLine(trace[0] - 1)
			msg = fmt.Sprintf("%s [%s:%d]", msg, file, line)
		}
	}
	return msg
}

package log

import (
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// NewFormat creates Format from a string.
// On invalid value FormatConsole is returned with an error.
func NewFormat(format string) (Format, error) {
	v := Format(format)
	switch v {
	case FormatConsole, FormatJSON:
		return v, nil
	default:
		return FormatConsole, errors.Errorf(`log format must be "console" or "json", found "%s"`, format)
	}
}

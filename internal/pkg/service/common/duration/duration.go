// Package duration provides a time.Duration wrapper for wire messages.
// It is encoded as a string, for example "1m30s".
// A number is decoded as whole seconds, as sent by older servers.
package duration

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

type Duration time.Duration

func From(duration time.Duration) Duration {
	return Duration(duration)
}

func (v Duration) Duration() time.Duration {
	return time.Duration(v)
}

// OrDefault returns the default value, if the duration is not positive.
func (v Duration) OrDefault(def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v.Duration()
}

func (v Duration) String() string {
	return v.Duration().String()
}

func (v Duration) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Duration) UnmarshalText(text []byte) error {
	str := strings.TrimSpace(string(text))
	if str == "" {
		*v = 0
		return nil
	}
	if seconds, err := strconv.ParseInt(str, 10, 64); err == nil {
		*v = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return errors.Errorf(`invalid duration "%s": %w`, str, err)
	}
	*v = Duration(d)
	return nil
}

func (v *Duration) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	return v.UnmarshalText(bytes.Trim(b, `"`))
}

func (v *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return errors.Errorf(`invalid duration: expected scalar node, found line %d`, n.Line)
	}
	return v.UnmarshalText([]byte(n.Value))
}

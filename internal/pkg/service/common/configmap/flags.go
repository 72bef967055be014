package configmap

import (
	"encoding"
	"time"

	"github.com/spf13/pflag"

	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

func MustGenerateFlags(fs *pflag.FlagSet, v any) {
	if err := GenerateFlags(fs, v); err != nil {
		panic(err)
	}
}

// GenerateFlags generates FlagSet from the provided configuration structure.
// Each field tagged by "configKey" tag is mapped to a flag, the current value is used as the default value.
// Field can optionally have the "configUsage" tag.
// Field can optionally have the "configShorthand" tag.
func GenerateFlags(fs *pflag.FlagSet, v any) error {
	fields, err := leaves(v)
	if err != nil {
		return errors.PrefixError(err, "cannot generate flags")
	}

	for _, f := range fields {
		if err := addFlag(fs, f); err != nil {
			return err
		}
	}
	return nil
}

func addFlag(fs *pflag.FlagSet, f leaf) error {
	name, shorthand, usage := f.FlagName, f.Shorthand, f.Usage

	// Text types, for example datasize.ByteSize
	if f.Value.CanAddr() {
		if _, ok := f.Value.Addr().Interface().(encoding.TextUnmarshaler); ok {
			text := ""
			if m, ok := f.Value.Interface().(encoding.TextMarshaler); ok && !f.Value.IsZero() {
				bytes, err := m.MarshalText()
				if err != nil {
					return errors.PrefixErrorf(err, `cannot marshal default value of the flag "%s"`, name)
				}
				text = string(bytes)
			}
			fs.StringP(name, shorthand, text, usage)
			return nil
		}
	}

	switch v := f.Value.Interface().(type) {
	case time.Duration:
		fs.DurationP(name, shorthand, v, usage)
	case int:
		fs.IntP(name, shorthand, v, usage)
	case int32:
		fs.Int32P(name, shorthand, v, usage)
	case int64:
		fs.Int64P(name, shorthand, v, usage)
	case uint:
		fs.UintP(name, shorthand, v, usage)
	case uint32:
		fs.Uint32P(name, shorthand, v, usage)
	case uint64:
		fs.Uint64P(name, shorthand, v, usage)
	case float64:
		fs.Float64P(name, shorthand, v, usage)
	case bool:
		fs.BoolP(name, shorthand, v, usage)
	case string:
		fs.StringP(name, shorthand, v, usage)
	case []string:
		fs.StringSliceP(name, shorthand, v, usage)
	default:
		return errors.Errorf(`unexpected type "%T" of the flag "%s"`, v, name)
	}
	return nil
}

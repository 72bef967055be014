// Package configmap maps a configuration structure to flags, ENVs and configuration files.
//
// Each field tagged by the "configKey" tag is a configuration value.
// Values are collected by the Viper library, priority is: 1. flag, 2. ENV, 3. config file, 4. default value.
package configmap

import (
	"context"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/keboola/task-worker/internal/pkg/env"
	"github.com/keboola/task-worker/internal/pkg/utils/errors"
	"github.com/keboola/task-worker/internal/pkg/validator"
)

const (
	HelpFlag       = "help"
	ConfigFileFlag = "config-file"
)

type BindSpec struct {
	AppName string
	// Args are command line arguments without the program name.
	Args      []string
	Envs      env.Provider
	EnvNaming *env.NamingConvention
}

// ValueWithValidation is implemented by configuration structures with cross-field rules.
type ValueWithValidation interface {
	Validate() error
}

// Bind flags, ENVs and config files to the target.
// The target must be a pointer to a structure with default values.
func Bind(ctx context.Context, spec BindSpec, target any) error {
	fs := pflag.NewFlagSet(spec.AppName, pflag.ContinueOnError)
	fs.SortFlags = true
	fs.Usage = func() {}
	fs.BoolP(HelpFlag, "h", false, "Print help message.")
	fs.StringSlice(ConfigFileFlag, nil, "Path to a JSON/YAML configuration file.")
	if err := GenerateFlags(fs, target); err != nil {
		return err
	}

	if err := fs.Parse(spec.Args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return newHelpError(fs, spec)
		}
		return err
	}

	if help, _ := fs.GetBool(HelpFlag); help {
		return newHelpError(fs, spec)
	}

	v, err := bindToViper(fs, spec, target)
	if err != nil {
		return err
	}

	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	tagName := func(c *mapstructure.DecoderConfig) {
		c.TagName = configKeyTag
		c.WeaklyTypedInput = true
	}
	if err := v.Unmarshal(target, decodeHook, tagName); err != nil {
		return errors.PrefixError(err, "cannot decode configuration")
	}

	if err := validator.New().Validate(ctx, target); err != nil {
		return errors.PrefixError(err, "invalid configuration")
	}

	if withValidation, ok := target.(ValueWithValidation); ok {
		if err := withValidation.Validate(); err != nil {
			return errors.PrefixError(err, "invalid configuration")
		}
	}

	return nil
}

func bindToViper(fs *pflag.FlagSet, spec BindSpec, target any) (*viper.Viper, error) {
	v := viper.New()

	// Config files have the lowest priority
	configFiles, _ := fs.GetStringSlice(ConfigFileFlag)
	for _, path := range configFiles {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.PrefixErrorf(err, `cannot read config file "%s"`, path)
		}
	}

	fields, err := leaves(target)
	if err != nil {
		return nil, err
	}

	errs := errors.NewMultiError()
	for _, f := range fields {
		flag := fs.Lookup(f.FlagName)
		if flag == nil {
			continue
		}

		// Flag has the highest priority, the default value of the flag has the lowest priority
		if err := v.BindPFlag(f.Path, flag); err != nil {
			errs.Append(err)
			continue
		}

		// ENV overrides the config file, but not the flag
		if !flag.Changed && spec.Envs != nil && spec.EnvNaming != nil {
			if value, found := spec.Envs.Lookup(spec.EnvNaming.FlagToEnv(f.FlagName)); found {
				v.Set(f.Path, value)
			}
		}
	}

	return v, errs.ErrorOrNil()
}

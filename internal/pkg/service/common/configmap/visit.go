package configmap

import (
	"encoding"
	"reflect"
	"strings"

	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

const (
	configKeyTag       = "configKey"
	configUsageTag     = "configUsage"
	configShorthandTag = "configShorthand"
	tagValuesSeparator = ","
)

var textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()

// leaf is a configuration value mapped to a flag.
type leaf struct {
	// Path is the dot-separated path of configKey tags, for example "checkpoint.etcd.endpoint".
	Path      string
	FlagName  string
	Usage     string
	Shorthand string
	Value     reflect.Value
}

// leaves returns all fields tagged by the "configKey" tag.
// A struct field is a leaf, if it implements the encoding.TextUnmarshaler, otherwise it is visited recursively.
func leaves(v any) ([]leaf, error) {
	value := reflect.ValueOf(v)
	if value.Kind() == reflect.Pointer {
		value = value.Elem()
	}
	if value.Kind() != reflect.Struct {
		return nil, errors.Errorf(`type "%s" is not a struct or a pointer to a struct`, value.Type().String())
	}

	var out []leaf
	visitStruct(value, "", &out)
	return out, nil
}

func visitStruct(value reflect.Value, prefix string, out *[]leaf) {
	typ := value.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		if !field.IsExported() {
			continue
		}

		tag, found := field.Tag.Lookup(configKeyTag)
		if !found {
			continue
		}

		name, opts, _ := strings.Cut(tag, tagValuesSeparator)
		fieldValue := value.Field(i)

		// Iterate a squashed/embedded struct
		if name == "" && opts == "squash" {
			visitStruct(fieldValue, prefix, out)
			continue
		}
		if name == "" || name == "-" {
			continue
		}

		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		if fieldValue.Kind() == reflect.Struct && !reflect.PointerTo(field.Type).Implements(textUnmarshalerType) {
			visitStruct(fieldValue, path, out)
			continue
		}

		*out = append(*out, leaf{
			Path:      path,
			FlagName:  fieldToFlagName(path),
			Usage:     field.Tag.Get(configUsageTag),
			Shorthand: field.Tag.Get(configShorthandTag),
			Value:     fieldValue,
		})
	}
}

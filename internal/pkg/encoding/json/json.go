// Package json is a thin wrapper around json-iterator, configured to be compatible with the standard library.
package json

import (
	stdjson "encoding/json"

	jsoniter "github.com/json-iterator/go"

	"github.com/keboola/task-worker/internal/pkg/utils/errors"
)

// RawMessage is re-exported, so wire structures don't need to import the standard library package.
type RawMessage = stdjson.RawMessage

// nolint: gochecknoglobals
var api = jsoniter.ConfigCompatibleWithStandardLibrary

func Encode(v any, pretty bool) ([]byte, error) {
	var data []byte
	var err error
	if pretty {
		data, err = api.MarshalIndent(v, "", "  ")
	} else {
		data, err = api.Marshal(v)
	}
	if err != nil {
		return nil, errors.Errorf("json encoding error: %w", err)
	}
	return data, nil
}

func EncodeString(v any, pretty bool) (string, error) {
	data, err := Encode(v, pretty)
	return string(data), err
}

func MustEncode(v any, pretty bool) []byte {
	data, err := Encode(v, pretty)
	if err != nil {
		panic(err)
	}
	return data
}

func MustEncodeString(v any, pretty bool) string {
	return string(MustEncode(v, pretty))
}

func Decode(data []byte, v any) error {
	if err := api.Unmarshal(data, v); err != nil {
		return errors.Errorf("json decoding error: %w", err)
	}
	return nil
}

func DecodeString(data string, v any) error {
	return Decode([]byte(data), v)
}

// EncodedSize returns length of the compact JSON representation of the value.
// A RawMessage or []byte is measured as it is.
func EncodedSize(v any) (int, error) {
	switch v := v.(type) {
	case RawMessage:
		return len(v), nil
	case []byte:
		return len(v), nil
	}
	stream := api.BorrowStream(nil)
	defer api.ReturnStream(stream)
	stream.WriteVal(v)
	if stream.Error != nil {
		return 0, errors.Errorf("json encoding error: %w", stream.Error)
	}
	return stream.Buffered(), nil
}

package commsutil

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// EncodeArgs serializes a positional argument list as a JSON array.
// A nil list encodes as an empty array, never as null.
func EncodeArgs(args []interface{}) ([]byte, error) {
	if args == nil {
		args = []interface{}{}
	}
	return json.Marshal(args)
}

// DecodeArgs splits a JSON array payload into its raw positional arguments.
func DecodeArgs(data []byte) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("commsutil:codec - payload is not an argument array: %w", err)
	}
	return args, nil
}

// DecodeValue decodes raw JSON into a generic value (maps, slices, float64, string, bool, nil).
// Empty input decodes to nil.
func DecodeValue(raw json.RawMessage) (interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// CloneValue returns a structurally independent copy of v by crossing the
// same serialization boundary used on the wire.
func CloneValue(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("commsutil:codec - clone encode: %w", err)
	}
	return DecodeValue(data)
}

package serde

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONOption customizes the JSON serde.
type JSONOption func(*jsonOptions)

type jsonOptions struct {
	strict bool
}

// Strict makes deserialization fail on unknown fields, so that payloads
// written by a newer schema are not silently truncated.
func Strict() JSONOption {
	return func(o *jsonOptions) { o.strict = true }
}

// NewJSON returns a new serde instance where some data (T) gets serialized to
// and deserialized from JSON.
//
// A data factory function is required for creating new instances of the type
// (especially if pointer semantics is used).
func NewJSON[T any](factory func() T, opts ...JSONOption) Fused[T] {
	var options jsonOptions
	for _, opt := range opts {
		opt(&options)
	}

	serialize := SerializerFunc[T](func(value T) ([]byte, error) {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("serde.JSON: failed to serialize data, %w", err)
		}

		return data, nil
	})

	deserialize := DeserializerFunc[T](func(data []byte) (T, error) {
		var zeroValue T

		model := factory()

		decoder := json.NewDecoder(bytes.NewReader(data))
		if options.strict {
			decoder.DisallowUnknownFields()
		}

		if err := decoder.Decode(&model); err != nil {
			return zeroValue, fmt.Errorf("serde.JSON: failed to deserialize data, %w", err)
		}

		return model, nil
	})

	return Fuse[T](serialize, deserialize)
}

package serde

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// NewProtoJSON returns a new serde instance where a Protobuf message (T)
// gets serialized to and deserialized from its canonical JSON form.
//
// Unknown fields are discarded on deserialization, so that older consumers
// keep working with payloads produced by a newer schema.
func NewProtoJSON[T proto.Message](factory func() T) Fused[T] {
	marshaler := protojson.MarshalOptions{UseProtoNames: true}
	unmarshaler := protojson.UnmarshalOptions{DiscardUnknown: true}

	serialize := SerializerFunc[T](func(value T) ([]byte, error) {
		data, err := marshaler.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("serde.ProtoJSON: failed to serialize data, %w", err)
		}

		return data, nil
	})

	deserialize := DeserializerFunc[T](func(data []byte) (T, error) {
		var zeroValue T

		model := factory()
		if err := unmarshaler.Unmarshal(data, model); err != nil {
			return zeroValue, fmt.Errorf("serde.ProtoJSON: failed to deserialize data, %w", err)
		}

		return model, nil
	})

	return Fuse[T](serialize, deserialize)
}

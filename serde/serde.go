// Package serde contains the serializers used to turn Domain Event payloads
// and Aggregate states into the opaque byte payloads stored by the Event Store,
// and back.
package serde

// Serializer encodes a value of type T into bytes.
type Serializer[T any] interface {
	Serialize(value T) ([]byte, error)
}

// Deserializer decodes bytes into a value of type T.
type Deserializer[T any] interface {
	Deserialize(data []byte) (T, error)
}

// Serde can both serialize and deserialize values of type T.
type Serde[T any] interface {
	Serializer[T]
	Deserializer[T]
}

// SerializerFunc is a functional implementation of the Serializer interface.
type SerializerFunc[T any] func(value T) ([]byte, error)

// Serialize implements the serde.Serializer interface.
func (fn SerializerFunc[T]) Serialize(value T) ([]byte, error) { return fn(value) }

// DeserializerFunc is a functional implementation of the Deserializer interface.
type DeserializerFunc[T any] func(data []byte) (T, error)

// Deserialize implements the serde.Deserializer interface.
func (fn DeserializerFunc[T]) Deserialize(data []byte) (T, error) { return fn(data) }

// Fused provides a convenient way to fuse together different implementations
// of a Serializer and Deserializer, and use it as a Serde.
type Fused[T any] struct {
	Serializer[T]
	Deserializer[T]
}

// Fuse combines the given Serializer and Deserializer into a Serde.
func Fuse[T any](serializer Serializer[T], deserializer Deserializer[T]) Fused[T] {
	return Fused[T]{
		Serializer:   serializer,
		Deserializer: deserializer,
	}
}

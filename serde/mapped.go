package serde

import "fmt"

// Mapped is a Serde that converts a domain type (T) to a wire model (M)
// before handing it to the wrapped Serde, and back.
//
// Useful to keep the domain types free from serialization tags.
type Mapped[T any, M any] struct {
	to    func(T) (M, error)
	from  func(M) (T, error)
	inner Serde[M]
}

// Map builds a Mapped serde.
func Map[T any, M any](to func(T) (M, error), from func(M) (T, error), inner Serde[M]) Mapped[T, M] {
	return Mapped[T, M]{to: to, from: from, inner: inner}
}

// Serialize implements the serde.Serializer interface.
func (s Mapped[T, M]) Serialize(value T) ([]byte, error) {
	model, err := s.to(value)
	if err != nil {
		return nil, fmt.Errorf("serde.Mapped: failed to map value, %w", err)
	}

	return s.inner.Serialize(model)
}

// Deserialize implements the serde.Deserializer interface.
func (s Mapped[T, M]) Deserialize(data []byte) (T, error) {
	var zeroValue T

	model, err := s.inner.Deserialize(data)
	if err != nil {
		return zeroValue, err
	}

	value, err := s.from(model)
	if err != nil {
		return zeroValue, fmt.Errorf("serde.Mapped: failed to map model, %w", err)
	}

	return value, nil
}

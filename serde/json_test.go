package serde_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commonground/eventline/serde"
)

type postCreated struct {
	Title  string `json:"title"`
	Author string `json:"author"`
}

func TestJSON(t *testing.T) {
	postSerde := serde.NewJSON(func() *postCreated { return new(postCreated) })

	t.Run("it works with valid data", func(t *testing.T) {
		data, err := postSerde.Serialize(&postCreated{Title: "hello", Author: "ada"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"title":"hello","author":"ada"}`, string(data))

		value, err := postSerde.Deserialize(data)
		require.NoError(t, err)
		assert.Equal(t, &postCreated{Title: "hello", Author: "ada"}, value)
	})

	t.Run("it fails deserialization of invalid json data", func(t *testing.T) {
		value, err := postSerde.Deserialize([]byte("{"))
		assert.Error(t, err)
		assert.Nil(t, value)
	})

	t.Run("it works also with by-value semantics", func(t *testing.T) {
		byValue := serde.NewJSON(func() postCreated { return postCreated{} })

		value, err := byValue.Deserialize([]byte(`{"title":"by value"}`))
		require.NoError(t, err)
		assert.Equal(t, postCreated{Title: "by value"}, value)
	})

	t.Run("strict mode refuses unknown fields", func(t *testing.T) {
		strict := serde.NewJSON(func() postCreated { return postCreated{} }, serde.Strict())

		_, err := strict.Deserialize([]byte(`{"title":"x","votes":3}`))
		assert.Error(t, err)

		_, err = postSerde.Deserialize([]byte(`{"title":"x","votes":3}`))
		assert.NoError(t, err)
	})
}

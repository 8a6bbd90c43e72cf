package serde_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/commonground/eventline/serde"
)

func TestProtoJSON(t *testing.T) {
	reportSerde := serde.NewProtoJSON(func() *structpb.Struct { return new(structpb.Struct) })

	report, err := structpb.NewStruct(map[string]any{
		"verdict": "clean",
		"score":   0.25,
	})
	require.NoError(t, err)

	data, err := reportSerde.Serialize(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{"verdict":"clean","score":0.25}`, string(data))

	decoded, err := reportSerde.Deserialize(data)
	require.NoError(t, err)
	assert.True(t, proto.Equal(report, decoded))

	_, err = reportSerde.Deserialize([]byte(`[1,2`))
	assert.Error(t, err)
}

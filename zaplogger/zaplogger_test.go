package zaplogger_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/commonground/eventline/logger"
	"github.com/commonground/eventline/zaplogger"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := zaplogger.Wrap(zap.New(core))

	logger.Info(l, "event appended", logger.With("streamId", "post-1"))
	logger.Error(l, "delivery failed", logger.Err(errors.New("boom")))

	entries := logs.All()
	require.Len(t, entries, 2)

	assert.Equal(t, "event appended", entries[0].Message)
	assert.Equal(t, "post-1", entries[0].ContextMap()["streamId"])
	assert.Equal(t, "boom", entries[1].ContextMap()["error"])
}

func TestNew(t *testing.T) {
	_, err := zaplogger.New(false, "not-a-level")
	assert.Error(t, err)

	l, err := zaplogger.New(true, "debug")
	require.NoError(t, err)
	assert.NotNil(t, l.Zap())
}

package health_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/commonground/eventline/health"
)

func TestCombine(t *testing.T) {
	t.Run("all healthy", func(t *testing.T) {
		report := health.Combine(map[string]health.Report{
			"store": health.OK(map[string]string{"streams": "3"}),
			"bus":   health.OK(nil),
		})

		assert.True(t, report.IsHealthy())
		assert.Equal(t, "3", report.Details["store.streams"])
		assert.Equal(t, "healthy", report.Details["bus"])
	})

	t.Run("one unhealthy component makes the whole report unhealthy", func(t *testing.T) {
		report := health.Combine(map[string]health.Report{
			"store": health.Failed(errors.New("connection refused"), nil),
			"bus":   health.OK(nil),
		})

		assert.False(t, report.IsHealthy())
		assert.Equal(t, "connection refused", report.Details["store.error"])
	})
}

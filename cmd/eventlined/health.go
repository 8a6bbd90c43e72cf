package main

import (
	"context"
	"time"

	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/commonground/eventline/health"
	"github.com/commonground/eventline/logger"
)

// serviceName is the name of the service reported by the gRPC health protocol.
const serviceName = "eventline"

// healthWatcher periodically checks the components and publishes the combined
// outcome through the gRPC health server.
type healthWatcher struct {
	server     *grpchealth.Server
	components map[string]health.Checker
	interval   time.Duration
	logger     logger.Logger
}

func (w healthWatcher) check(ctx context.Context) health.Report {
	reports := make(map[string]health.Report, len(w.components))
	for name, component := range w.components {
		reports[name] = component.HealthCheck(ctx)
	}

	return health.Combine(reports)
}

func (w healthWatcher) publish(report health.Report) {
	status := healthpb.HealthCheckResponse_SERVING
	if !report.IsHealthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	w.server.SetServingStatus("", status)
	w.server.SetServingStatus(serviceName, status)
}

// Run checks the components every interval, until the context is canceled.
func (w healthWatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last health.Status

	for {
		report := w.check(ctx)
		w.publish(report)

		if report.Status != last {
			fields := []logger.Field{logger.With("status", report.Status)}
			for k, v := range report.Details {
				fields = append(fields, logger.With(k, v))
			}

			logger.Info(w.logger, "health status changed", fields...)

			last = report.Status
		}

		select {
		case <-ctx.Done():
			w.server.Shutdown()
			return nil
		case <-ticker.C:
		}
	}
}

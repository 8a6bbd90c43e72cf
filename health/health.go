// Package health describes the readiness report exposed by the Event Store
// client and the Event Bus to operational probes.
package health

import (
	"context"
	"maps"
)

// Status is the coarse outcome of a health check.
type Status string

// All the possible Status values.
const (
	Healthy   Status = "healthy"
	Unhealthy Status = "unhealthy"
)

// Report is returned by a health check. Details are informative only.
type Report struct {
	Status  Status            `json:"status"`
	Details map[string]string `json:"details,omitempty"`
}

// OK returns a healthy Report with the provided details.
func OK(details map[string]string) Report {
	return Report{Status: Healthy, Details: details}
}

// Failed returns an unhealthy Report carrying the error message as "error" detail.
func Failed(err error, details map[string]string) Report {
	d := maps.Clone(details)
	if d == nil {
		d = make(map[string]string, 1)
	}

	if err != nil {
		d["error"] = err.Error()
	}

	return Report{Status: Unhealthy, Details: d}
}

// IsHealthy reports whether r has Healthy status.
func (r Report) IsHealthy() bool { return r.Status == Healthy }

// Checker is implemented by components that can report their health.
//
// HealthCheck must be free of side effects.
type Checker interface {
	HealthCheck(ctx context.Context) Report
}

// Combine merges named Reports into one: the result is Unhealthy if any
// of them is, and details are prefixed with the component name.
func Combine(reports map[string]Report) Report {
	combined := Report{Status: Healthy, Details: make(map[string]string)}

	for name, report := range reports {
		if !report.IsHealthy() {
			combined.Status = Unhealthy
		}

		combined.Details[name] = string(report.Status)

		for k, v := range report.Details {
			combined.Details[name+"."+k] = v
		}
	}

	return combined
}

// Package metrics wires the engine's OpenTelemetry instruments. Init is
// called once by the run command; the zero Metrics value is a safe no-op
// for tests and one-shot commands.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the engine's instrument handles.
type Metrics struct {
	issuesSynced   metric.Int64Counter
	issuesSkipped  metric.Int64Counter
	issuesFailed   metric.Int64Counter
	retries        metric.Int64Counter
	breakerTrips   metric.Int64Counter
	syncDurationMs metric.Float64Histogram

	provider *sdkmetric.MeterProvider
}

// Init builds a meter provider with a periodic stdout exporter and returns
// the engine instruments.
func Init(interval time.Duration) (*Metrics, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(interval))),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("huly-vibe-sync")
	m := &Metrics{provider: provider}
	if m.issuesSynced, err = meter.Int64Counter("sync.issues.synced"); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.issuesSkipped, err = meter.Int64Counter("sync.issues.skipped"); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.issuesFailed, err = meter.Int64Counter("sync.issues.failed"); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.retries, err = meter.Int64Counter("sync.activity.retries"); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.breakerTrips, err = meter.Int64Counter("sync.breaker.trips"); err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	if m.syncDurationMs, err = meter.Float64Histogram("sync.project.duration_ms"); err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}
	return m, nil
}

// Shutdown flushes and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// IssueSynced counts a propagated issue.
func (m *Metrics) IssueSynced(ctx context.Context, project string) {
	if m == nil || m.issuesSynced == nil {
		return
	}
	m.issuesSynced.Add(ctx, 1, metric.WithAttributes(attribute.String("project", project)))
}

// IssueSkipped counts a hash short-circuit.
func (m *Metrics) IssueSkipped(ctx context.Context, project string) {
	if m == nil || m.issuesSkipped == nil {
		return
	}
	m.issuesSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("project", project)))
}

// IssueFailed counts a failed single-issue workflow.
func (m *Metrics) IssueFailed(ctx context.Context, project string) {
	if m == nil || m.issuesFailed == nil {
		return
	}
	m.issuesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("project", project)))
}

// BreakerTripped counts a breaker opening.
func (m *Metrics) BreakerTripped(ctx context.Context, project string) {
	if m == nil || m.breakerTrips == nil {
		return
	}
	m.breakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("project", project)))
}

// ProjectSyncDuration records one project sweep's wall time.
func (m *Metrics) ProjectSyncDuration(ctx context.Context, project string, d time.Duration) {
	if m == nil || m.syncDurationMs == nil {
		return
	}
	m.syncDurationMs.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(attribute.String("project", project)))
}

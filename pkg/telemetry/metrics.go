package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce      sync.Once
	metricsInitErr   error
	admissionCounter metric.Int64Counter
	denialCounter    metric.Int64Counter
)

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/pkgsentry/pkgsentry")

		admissionCounter, metricsInitErr = meter.Int64Counter(
			"governor.admissions",
			metric.WithDescription("Admission decisions by resource kind and outcome"),
		)
		if metricsInitErr != nil {
			return
		}

		denialCounter, metricsInitErr = meter.Int64Counter(
			"governor.denials",
			metric.WithDescription("Admission denials by resource kind and reason"),
		)
	})
	return metricsInitErr
}

// RecordAdmission emits one admission decision. The reason attribute is only
// attached on denials.
func RecordAdmission(ctx context.Context, kind, componentID string, allowed bool, reason string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := "allowed"
	if !allowed {
		outcome = "denied"
	}
	attrs := []attribute.KeyValue{
		attribute.String("resource.kind", kind),
		attribute.String("decision.outcome", outcome),
	}
	if componentID != "" {
		attrs = append(attrs, attribute.String("component.id", componentID))
	}

	admissionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if !allowed && reason != "" {
		denialCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resource.kind", kind),
			attribute.String("denial.reason", reason),
		))
	}
}

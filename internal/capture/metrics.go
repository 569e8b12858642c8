package capture

import (
	"context"

	"github.com/lukaszraczylo/proxylens/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the capture-path counters. Only the metric API is used;
// the host process decides whether an SDK/exporter is installed.
type metrics struct {
	captures  metric.Int64Counter
	partials  metric.Int64Counter
	failures  metric.Int64Counter
	evictions metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter("github.com/lukaszraczylo/proxylens/internal/capture")

	captures, _ := meter.Int64Counter("proxylens.captures",
		metric.WithDescription("Completed exchanges appended to the store"))
	partials, _ := meter.Int64Counter("proxylens.captures.partial",
		metric.WithDescription("Partial (status-less) records appended"))
	failures, _ := meter.Int64Counter("proxylens.captures.failed",
		metric.WithDescription("Store append failures on the capture path"))
	evictions, _ := meter.Int64Counter("proxylens.stash.evictions",
		metric.WithDescription("In-flight exchanges evicted or expired from the stash"))

	return &metrics{
		captures:  captures,
		partials:  partials,
		failures:  failures,
		evictions: evictions,
	}
}

func (m *metrics) recordCapture(ctx context.Context, rec *models.Record) {
	m.captures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", rec.Method),
		attribute.String("status_class", rec.StatusClass()),
	))
	if !rec.Status.Valid {
		m.partials.Add(ctx, 1)
	}
}

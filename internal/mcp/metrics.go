package mcp

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// toolCalls counts tool invocations by name and outcome. API only; the
// host process decides whether an SDK/exporter is installed.
var toolCalls metric.Int64Counter

func init() {
	meter := otel.Meter("github.com/lukaszraczylo/proxylens/internal/mcp")
	toolCalls, _ = meter.Int64Counter("proxylens.tool.calls",
		metric.WithDescription("Tool invocations by name and outcome"))
}

func recordToolCall(ctx context.Context, name string, isError bool) {
	outcome := "ok"
	if isError {
		outcome = "error"
	}
	toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", name),
		attribute.String("outcome", outcome),
	))
}

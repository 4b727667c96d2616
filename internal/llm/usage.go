package llm

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tokenCounter metric.Int64Counter

func init() {
	var err error
	tokenCounter, err = otel.Meter("consultflow/llm").Int64Counter(
		"llm.tokens",
		metric.WithDescription("Tokens consumed by completion calls"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		otel.Handle(err)
	}
}

func recordUsage(ctx context.Context, provider, model string, u Usage) {
	if tokenCounter == nil {
		return
	}
	base := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("model", model),
	}
	tokenCounter.Add(ctx, int64(u.PromptTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "prompt"))...))
	tokenCounter.Add(ctx, int64(u.CompletionTokens),
		metric.WithAttributes(append(base, attribute.String("direction", "completion"))...))
}

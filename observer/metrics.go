package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nevindra/mirage"
)

var _ mirage.Metrics = (*Instruments)(nil)

// TurnCompleted counts one agent turn and records its duration.
func (i *Instruments) TurnCompleted(chat string, d time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("chat", chat))
	i.Turns.Add(ctx, 1, attrs)
	i.TurnDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// ToolExecuted counts one tool invocation.
func (i *Instruments) ToolExecuted(tool string) {
	i.ToolExecutions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("tool", tool)))
}

// LLMFailed counts one failed completion stream.
func (i *Instruments) LLMFailed(provider string) {
	i.LLMErrors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("provider", provider)))
}

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	mediations    metric.Int64Counter
	transitions   metric.Int64Counter
	actions       metric.Int64Counter
	escalations   metric.Int64Counter
	notifications metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     instruments
)

// Instruments are created against the global meter provider; the otel global
// delegates to whatever provider Init installs later.
func get() instruments {
	instOnce.Do(func() {
		m := otel.GetMeterProvider().Meter(scope)
		inst.mediations, _ = m.Int64Counter("journeygate.mediation.classified",
			metric.WithDescription("Messages classified per mediation category"))
		inst.transitions, _ = m.Int64Counter("journeygate.journey.transitions",
			metric.WithDescription("Journey events applied, by outcome"))
		inst.actions, _ = m.Int64Counter("journeygate.action.decisions",
			metric.WithDescription("Action request status changes"))
		inst.escalations, _ = m.Int64Counter("journeygate.escalations",
			metric.WithDescription("Escalations to a licensed professional, by reason"))
		inst.notifications, _ = m.Int64Counter("journeygate.notifications",
			metric.WithDescription("Notification deliveries, by sink and result"))
	})
	return inst
}

func add(ctx context.Context, c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func RecordMediation(ctx context.Context, category string) {
	add(ctx, get().mediations, attribute.String("category", category))
}

func RecordJourneyEvent(ctx context.Context, event, outcome string) {
	add(ctx, get().transitions, attribute.String("event", event), attribute.String("outcome", outcome))
}

func RecordActionStatus(ctx context.Context, actionType, status string) {
	add(ctx, get().actions, attribute.String("type", actionType), attribute.String("status", status))
}

func RecordEscalation(ctx context.Context, reason string) {
	add(ctx, get().escalations, attribute.String("reason", reason))
}

func RecordNotification(ctx context.Context, sink string, ok bool) {
	add(ctx, get().notifications, attribute.String("sink", sink), attribute.Bool("ok", ok))
}

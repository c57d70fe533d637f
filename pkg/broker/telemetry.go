package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
)

const instrumentationName = "github.com/ghuser/activitypipeline/pkg/broker"

var tracer = otel.Tracer(instrumentationName)

// Delivery and publish outcomes used as the "outcome" metric attribute.
const (
	outcomeOK        = "ok"
	outcomeRetried   = "retried"
	outcomeFailed    = "failed"
	outcomeAcked     = "acked"
	outcomeRequeued  = "requeued"
	outcomeDiscarded = "discarded"
)

type metrics struct {
	publishes  metric.Int64Counter
	deliveries metric.Int64Counter
	reconnects metric.Int64Counter
}

func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	return &metrics{
		publishes: counter(meter, "activity_publish_total",
			"Publish attempts by outcome (ok, retried, failed)."),
		deliveries: counter(meter, "activity_deliveries_total",
			"Consumed deliveries by acknowledgment outcome (acked, requeued, discarded)."),
		reconnects: counter(meter, "activity_broker_reconnects_total",
			"Broker sessions that ended and triggered a reconnect."),
	}
}

func counter(meter metric.Meter, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func (m *metrics) publish(ctx context.Context, outcome string) {
	m.publishes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *metrics) delivery(ctx context.Context, outcome string) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// headerCarrier exposes AMQP headers as an OTel TextMapCarrier so trace
// context travels with the message from publisher to consumer.
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier{}

func (h headerCarrier) Get(key string) string {
	if s, ok := h[key].(string); ok {
		return s
	}
	return ""
}

func (h headerCarrier) Set(key, value string) {
	h[key] = value
}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

func injectTrace(ctx context.Context, headers amqp.Table) {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))
}

func extractTrace(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(headers))
}

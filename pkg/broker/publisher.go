package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ghuser/activitypipeline/pkg/logger"
)

// Publisher publishes persistent JSON messages to a single durable queue via
// the default exchange. It is safe for concurrent use; publishes are serialized
// because an AMQP channel must not be shared between concurrent publishers.
type Publisher struct {
	queue   string
	dial    Dialer
	log     logger.Logger
	metrics *metrics

	mu     sync.Mutex // guards conn, ch, closed
	conn   Connection
	ch     Channel
	closed bool

	connected atomic.Bool
}

// NewPublisher returns a disconnected Publisher. Call Connect at startup;
// Publish connects lazily if the startup attempt failed.
func NewPublisher(dial Dialer, queue string, log logger.Logger) *Publisher {
	return &Publisher{
		queue:   queue,
		dial:    dial,
		log:     log.With("queue", queue),
		metrics: newMetrics(),
	}
}

// Connect opens the connection and declares the queue. A failure leaves the
// publisher unhealthy; it does not prevent later Publish calls from retrying.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.connectLocked(ctx)
}

// Healthy reports whether the publisher currently holds an open connection.
// It never blocks and never triggers a reconnect.
func (p *Publisher) Healthy() bool {
	return p.connected.Load()
}

// Publish sends body as a persistent message. If the first attempt fails, the
// connection is rebuilt and the publish retried exactly once; a second failure
// is returned wrapped in ErrUnavailable.
func (p *Publisher) Publish(ctx context.Context, body []byte) error {
	ctx, span := tracer.Start(ctx, "broker.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.queue),
		),
	)
	defer span.End()

	msg := amqp.Publishing{
		Headers:      amqp.Table{},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	injectTrace(ctx, msg.Headers)
	span.SetAttributes(attribute.String("messaging.message.id", msg.MessageId))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	err := p.publishLocked(ctx, msg)
	if err == nil {
		p.metrics.publish(ctx, outcomeOK)
		return nil
	}

	p.log.WarnContext(ctx, "publish failed, reconnecting and retrying once",
		"message_id", msg.MessageId, "error", err)
	p.teardownLocked()

	if err := p.publishLocked(ctx, msg); err != nil {
		p.teardownLocked()
		p.metrics.publish(ctx, outcomeFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed after retry")
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	p.metrics.publish(ctx, outcomeRetried)
	return nil
}

// Close releases the connection. Subsequent Publish calls return ErrClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.teardownLocked()
	p.log.Info("publisher closed")
	return err
}

func (p *Publisher) publishLocked(ctx context.Context, msg amqp.Publishing) error {
	if err := p.connectLocked(ctx); err != nil {
		return err
	}
	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", p.queue, err)
	}
	return nil
}

// connectLocked is a no-op while the current connection is healthy.
func (p *Publisher) connectLocked(ctx context.Context) error {
	if p.conn != nil && p.connected.Load() {
		return nil
	}
	p.teardownLocked()

	conn, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if _, err := DeclareQueue(ch, p.queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	p.conn, p.ch = conn, ch
	p.connected.Store(true)
	p.watch(conn, ch)
	p.log.Info("publisher connected")
	return nil
}

// watch flips the health flag when the broker closes conn or ch. A watcher
// for a connection that has since been replaced exits without touching state.
func (p *Publisher) watch(conn Connection, ch Channel) {
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var amqpErr *amqp.Error
		select {
		case amqpErr = <-connClosed:
		case amqpErr = <-chClosed:
		}

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.conn != conn {
			return
		}
		p.connected.Store(false)
		p.log.Warn("publisher connection lost", "error", closeError(amqpErr))
	}()
}

func (p *Publisher) teardownLocked() error {
	p.connected.Store(false)
	conn, ch := p.conn, p.ch
	p.conn, p.ch = nil, nil
	if ch != nil {
		_ = ch.Close()
	}
	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

package broker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ghuser/activitypipeline/pkg/logger"
)

// State is the consumer's position in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConsuming
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler processes one delivery. See the package doc for how the returned
// error maps to Ack/Nack.
type Handler func(ctx context.Context, d amqp.Delivery) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Queue string
	// DeadLetterQueue, when set, receives a copy of every malformed delivery before it is acked.
	DeadLetterQueue string
	ConsumerTag     string
	// ReconnectBackoff is the fixed pause between a lost session and the next dial.
	ReconnectBackoff time.Duration
	// RequeueDelay is the pause after a Nack, throttling redelivery against a degraded store.
	RequeueDelay time.Duration
	// HandlerTimeout bounds a single handler call. The handler context is not
	// cancelled by shutdown, so an in-flight message always reaches Ack or Nack.
	HandlerTimeout time.Duration
}

// Consumer drains a durable queue with prefetch = 1, reconnecting forever.
type Consumer struct {
	cfg     ConsumerConfig
	dial    Dialer
	handler Handler
	log     logger.Logger
	metrics *metrics

	state atomic.Int32
}

// NewConsumer returns a Consumer in StateDisconnected.
func NewConsumer(dial Dialer, cfg ConsumerConfig, handler Handler, log logger.Logger) *Consumer {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}
	return &Consumer{
		cfg:     cfg,
		dial:    dial,
		handler: handler,
		log:     log.With("queue", cfg.Queue),
		metrics: newMetrics(),
	}
}

// State returns the current lifecycle state.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

// Healthy reports whether the consumer is attached to the queue.
func (c *Consumer) Healthy() bool {
	s := c.State()
	return s == StateConsuming || s == StateProcessing
}

func (c *Consumer) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.log.Debug("consumer state changed", "from", prev.String(), "to", s.String())
	}
}

// Run consumes until ctx is cancelled. Every broker error is treated as
// transient: the session is torn down and re-dialed after ReconnectBackoff.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info("consumer starting",
		"reconnect_backoff", c.cfg.ReconnectBackoff,
		"requeue_delay", c.cfg.RequeueDelay,
		"dead_letter_queue", c.cfg.DeadLetterQueue,
	)
	for {
		err := c.session(ctx)
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return
		}

		c.metrics.reconnects.Add(ctx, 1)
		c.log.Warn("broker session ended, retrying",
			"error", err, "backoff", c.cfg.ReconnectBackoff)
		if !sleepCtx(ctx, c.cfg.ReconnectBackoff) {
			c.log.Info("consumer stopped")
			return
		}
	}
}

// session runs one connection lifetime: dial, declare, qos, consume. It
// returns when the broker goes away, a delivery cannot be settled, or ctx ends.
func (c *Consumer) session(ctx context.Context) error {
	c.setState(StateConnecting)

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = conn.Close() }()
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	if _, err := DeclareQueue(ch, c.cfg.Queue); err != nil {
		return err
	}
	if c.cfg.DeadLetterQueue != "" {
		if _, err := DeclareQueue(ch, c.cfg.DeadLetterQueue); err != nil {
			return err
		}
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}

	c.setState(StateConsuming)
	c.log.Info("consumer connected, waiting for messages")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-connClosed:
			return closeError(amqpErr)
		case amqpErr := <-chClosed:
			return closeError(amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return ErrConnectionClosed
			}
			if err := c.process(ctx, ch, d); err != nil {
				return err
			}
		}
	}
}

// process runs the handler and settles the delivery. A non-nil return means
// the session is unusable (ack/nack failed or ctx ended during the requeue pause).
func (c *Consumer) process(ctx context.Context, ch Channel, d amqp.Delivery) error {
	c.setState(StateProcessing)

	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HandlerTimeout)
	defer cancel()
	hctx, span := tracer.Start(extractTrace(hctx, d.Headers), "broker.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source.name", c.cfg.Queue),
			attribute.String("messaging.message.id", d.MessageId),
			attribute.Int64("messaging.rabbitmq.delivery_tag", int64(d.DeliveryTag)),
		),
	)
	defer span.End()

	log := c.log.With("delivery_tag", d.DeliveryTag, "message_id", d.MessageId, "redelivered", d.Redelivered)

	err := c.invoke(hctx, d)
	switch {
	case err == nil:
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("ack delivery %d: %w", d.DeliveryTag, err)
		}
		c.metrics.delivery(hctx, outcomeAcked)
		log.DebugContext(hctx, "delivery acked")

	case errors.Is(err, ErrMalformed):
		log.WarnContext(hctx, "discarding malformed delivery", "error", err, "body_bytes", len(d.Body))
		c.deadLetter(hctx, ch, d, err, log)
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("ack malformed delivery %d: %w", d.DeliveryTag, err)
		}
		c.metrics.delivery(hctx, outcomeDiscarded)

	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
		log.ErrorContext(hctx, "handler failed, requeueing", "error", err, "requeue_delay", c.cfg.RequeueDelay)
		if err := d.Nack(false, true); err != nil {
			return fmt.Errorf("nack delivery %d: %w", d.DeliveryTag, err)
		}
		c.metrics.delivery(hctx, outcomeRequeued)
		if !sleepCtx(ctx, c.cfg.RequeueDelay) {
			return ctx.Err()
		}
	}

	c.setState(StateConsuming)
	return nil
}

// invoke calls the handler, converting a panic into a requeue-able error.
func (c *Consumer) invoke(ctx context.Context, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, d)
}

// deadLetter copies a malformed delivery to the dead-letter queue. Failure is
// logged only; the caller acks regardless so the poison message cannot loop.
func (c *Consumer) deadLetter(ctx context.Context, ch Channel, d amqp.Delivery, cause error, log logger.Logger) {
	if c.cfg.DeadLetterQueue == "" {
		return
	}
	err := ch.PublishWithContext(ctx, "", c.cfg.DeadLetterQueue, false, false, amqp.Publishing{
		Headers: amqp.Table{
			"x-original-queue":      c.cfg.Queue,
			"x-dead-letter-reason":  cause.Error(),
			"x-original-message-id": d.MessageId,
		},
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Timestamp:    time.Now().UTC(),
		Body:         d.Body,
	})
	if err != nil {
		log.ErrorContext(ctx, "dead-letter publish failed, dropping message", "error", err)
		return
	}
	log.InfoContext(ctx, "delivery dead-lettered", "dead_letter_queue", c.cfg.DeadLetterQueue)
}

// Package broker is the RabbitMQ client shared by the api and worker binaries.
//
// Publisher owns one connection/channel pair, declares the durable queue on
// connect and publishes persistent messages. A failed publish is retried exactly
// once on a fresh connection before the error is surfaced.
//
// Consumer drains a queue one message at a time (prefetch = 1) and reconnects
// forever with a fixed backoff. Handler errors decide the acknowledgment:
//   - nil              → Ack
//   - wraps ErrMalformed → Ack (optionally dead-lettered first); the payload can never succeed
//   - any other error  → Nack with requeue, then pause before the next delivery
//
// Both types expose Healthy for liveness probes. The flag is written only by the
// goroutine that owns the connection and read lock-free by everyone else.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrMalformed marks a delivery whose payload can never be processed.
	// Handlers wrap it; the consumer acks instead of requeueing.
	ErrMalformed = errors.New("broker: malformed message")

	// ErrUnavailable is returned by Publish when the retry on a fresh connection also failed.
	ErrUnavailable = errors.New("broker: unavailable")

	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("broker: publisher closed")

	// ErrConnectionClosed reports that the broker closed the connection or channel.
	ErrConnectionClosed = errors.New("broker: connection closed")
)

// Channel is the subset of *amqp.Channel used by this package.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection used by this package.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func(ctx context.Context) (Connection, error)

const dialTimeout = 10 * time.Second

// NewDialer returns a Dialer for the given AMQP URL. name is reported to the
// broker as the client connection name (visible in the management UI).
func NewDialer(url, name string, heartbeat time.Duration) Dialer {
	return func(ctx context.Context) (Connection, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		props := amqp.NewConnectionProperties()
		props.SetClientConnectionName(name)
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat:  heartbeat,
			Locale:     "en_US",
			Properties: props,
			Dial:       amqp.DefaultDial(dialTimeout),
		})
		if err != nil {
			return nil, fmt.Errorf("amqp dial: %w", err)
		}
		return amqpConnection{conn}, nil
	}
}

// amqpConnection adapts *amqp.Connection so Channel returns the interface type.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DeclareQueue declares name as a durable, non-exclusive, non-auto-delete queue.
// Redeclaring an existing queue with the same parameters is a no-op on the broker.
func DeclareQueue(ch Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(name, true, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return q, nil
}

// closeError turns a close notification into an error. A nil *amqp.Error
// means the notification channel was closed without a reason.
func closeError(amqpErr *amqp.Error) error {
	if amqpErr == nil {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, amqpErr)
}

// sleepCtx waits for d or until ctx is done. Returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory stand-in for a RabbitMQ node with one queue.
// Deliveries carry the broker as their Acknowledger, and a Nack with requeue
// puts the delivery back on the queue flagged as redelivered.
type fakeBroker struct {
	mu          sync.Mutex
	queue       chan amqp.Delivery
	nextTag     uint64
	inFlight    map[uint64]amqp.Delivery
	dials       int
	dialErrs    []error
	publishErrs []error
	conns       []*fakeConn

	declared  []declaredQueue
	prefetch  []int
	published []publishedMessage
	settled   []string // "ack:<body>" / "nack:<body>" / "nack-drop:<body>" in order
}

type declaredQueue struct {
	name    string
	durable bool
}

type publishedMessage struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queue:    make(chan amqp.Delivery, 64),
		inFlight: make(map[uint64]amqp.Delivery),
	}
}

func (b *fakeBroker) dial(ctx context.Context) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	conn := &fakeConn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

func (b *fakeBroker) enqueue(body string) {
	b.mu.Lock()
	b.nextTag++
	d := amqp.Delivery{
		Acknowledger: b,
		DeliveryTag:  b.nextTag,
		MessageId:    body,
		ContentType:  "application/json",
		Body:         []byte(body),
	}
	b.inFlight[d.DeliveryTag] = d
	b.mu.Unlock()
	b.queue <- d
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.inFlight[tag]
	if !ok {
		return errors.New("unknown delivery tag")
	}
	delete(b.inFlight, tag)
	b.settled = append(b.settled, "ack:"+string(d.Body))
	return nil
}

func (b *fakeBroker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	d, ok := b.inFlight[tag]
	if !ok {
		b.mu.Unlock()
		return errors.New("unknown delivery tag")
	}
	delete(b.inFlight, tag)
	if !requeue {
		b.settled = append(b.settled, "nack-drop:"+string(d.Body))
		b.mu.Unlock()
		return nil
	}
	b.settled = append(b.settled, "nack:"+string(d.Body))
	b.nextTag++
	d.DeliveryTag = b.nextTag
	d.Redelivered = true
	b.inFlight[d.DeliveryTag] = d
	b.mu.Unlock()
	b.queue <- d
	return nil
}

func (b *fakeBroker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

// drop simulates the broker forcibly closing the most recent connection.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	conn := b.conns[len(b.conns)-1]
	b.mu.Unlock()
	conn.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker restart"})
}

func (b *fakeBroker) snapshot() (dials int, settled []string, published []publishedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials, append([]string(nil), b.settled...), append([]publishedMessage(nil), b.published...)
}

func (b *fakeBroker) countSettled(prefix string) int {
	_, settled, _ := b.snapshot()
	n := 0
	for _, s := range settled {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

type fakeConn struct {
	broker *fakeBroker

	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
	chans  []*fakeChannel
}

func (c *fakeConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{conn: c}
	c.chans = append(c.chans, ch)
	return ch, nil
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	return c.shutdown(nil)
}

func (c *fakeConn) shutdown(reason *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	notify, chans := c.notify, c.chans
	c.notify, c.chans = nil, nil
	c.mu.Unlock()

	for _, ch := range chans {
		ch.shutdown(reason)
	}
	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
	return nil
}

type fakeChannel struct {
	conn *fakeConn

	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declared = append(b.declared, declaredQueue{name: name, durable: durable})
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prefetch = append(b.prefetch, prefetchCount)
	return nil
}

func (ch *fakeChannel) Consume(_, _ string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	return ch.conn.broker.queue, nil
}

func (ch *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.publishErrs) > 0 {
		err := b.publishErrs[0]
		b.publishErrs = b.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	b.published = append(b.published, publishedMessage{exchange: exchange, key: key, msg: msg})
	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) Close() error {
	ch.shutdown(nil)
	return nil
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) shutdown(reason *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	notify := ch.notify
	ch.notify = nil
	ch.mu.Unlock()

	for _, n := range notify {
		if reason != nil {
			n <- reason
		}
		close(n)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

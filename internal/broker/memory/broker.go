// Package memory provides an in-process AMQP broker that satisfies the
// broker interfaces. It routes on the default exchange only and is meant for
// tests and local runs without RabbitMQ.
package memory

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JakeFAU/markdown-scraper/internal/broker"
)

// Settlement records how a consumer discharged one delivery.
type Settlement struct {
	Queue         string
	CorrelationID string
	DeliveryTag   uint64
	Ack           bool
	Requeue       bool
}

// Message is a publishing accepted by the broker.
type Message struct {
	Queue      string
	Publishing amqp.Publishing
}

// PublishHook can veto a publish by returning an error.
type PublishHook func(key string, msg amqp.Publishing) error

// Broker is an in-memory message broker.
type Broker struct {
	mu          sync.Mutex
	queues      map[string]*queue
	conns       map[*Connection]struct{}
	seq         int
	dials       int
	dialErr     error
	publishHook PublishHook
	published   []Message
	settled     []Settlement
}

type message struct {
	key         string
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name       string
	durable    bool
	autoDelete bool
	exclusive  bool
	owner      *Connection
	ready      []message
	consumers  []*consumer
	next       int
}

type inflight struct {
	queue    *queue
	msg      message
	consumer *consumer
}

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		conns:  make(map[*Connection]struct{}),
	}
}

var _ broker.Dialer = (*Broker)(nil)

// Dial opens a new connection to the broker.
func (b *Broker) Dial(ctx context.Context) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("dial memory broker: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &Connection{broker: b}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// Dials reports how many dial attempts were made.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetDialError makes subsequent dials fail with err. nil restores dialing.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// SetPublishHook installs hook for subsequent publishes.
func (b *Broker) SetPublishHook(hook PublishHook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishHook = hook
}

// Published returns a copy of every accepted publishing.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedTo returns the accepted publishings routed with key.
func (b *Broker) PublishedTo(key string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if m.Queue == key {
			out = append(out, m)
		}
	}
	return out
}

// Settlements returns the ack/nack log in order.
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settled...)
}

// QueueExists reports whether a queue with name is declared.
func (b *Broker) QueueExists(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// Ready reports the number of undelivered messages on a queue.
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Enqueue places msg directly on queue name, declaring it durable if needed.
func (b *Broker) Enqueue(name string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: true}
		b.queues[name] = q
	}
	q.ready = append(q.ready, message{key: name, pub: msg})
	b.dispatchLocked(q)
}

// DropConnections closes every open connection as if the server had forced
// it closed. Close listeners receive a CONNECTION_FORCED error.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	reason := &amqp.Error{
		Code:   amqp.ConnectionForced,
		Reason: "CONNECTION_FORCED - broker forced connection closure",
		Server: true,
	}
	for conn := range b.conns {
		conn.closeLocked(reason)
	}
}

func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.nextConsumerLocked()
		if c == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]
		c.deliverLocked(q, msg)
	}
}

func (q *queue) nextConsumerLocked() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.hasCapacityLocked() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumerLocked(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	q.next = 0
}

func (b *Broker) deleteQueueLocked(q *queue) {
	if current, ok := b.queues[q.name]; ok && current == q {
		delete(b.queues, q.name)
	}
}

// Connection is a connection to a memory Broker.
type Connection struct {
	broker   *Broker
	channels []*Channel
	notify   []chan *amqp.Error
	closed   bool
}

var _ broker.Connection = (*Connection)(nil)

// Channel opens a channel on the connection.
func (c *Connection) Channel() (broker.Channel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c, unacked: make(map[uint64]*inflight)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose registers receiver for connection close events.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// Close closes the connection and every channel on it.
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closeLocked(nil)
	return nil
}

// IsClosed reports whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Connection) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range append([]*Channel(nil), c.channels...) {
		ch.closeLocked(reason)
	}
	for _, q := range c.broker.queues {
		if q.exclusive && q.owner == c {
			c.broker.deleteQueueLocked(q)
		}
	}
	notifyLocked(c.notify, reason)
	c.notify = nil
	delete(c.broker.conns, c)
}

func notifyLocked(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, rc := range receivers {
		if reason != nil {
			select {
			case rc <- reason:
			default:
			}
		}
		close(rc)
	}
}

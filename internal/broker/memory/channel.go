package memory

import (
	"context"
	"fmt"
	"sort"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JakeFAU/markdown-scraper/internal/broker"
)

// Channel is a channel on a memory Connection. It also acts as the
// amqp.Acknowledger for deliveries it hands out.
type Channel struct {
	conn      *Connection
	prefetch  int
	tagSeq    uint64
	consumers []*consumer
	unacked   map[uint64]*inflight
	notify    []chan *amqp.Error
	closed    bool
}

var (
	_ broker.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

type consumer struct {
	tag     string
	ch      *Channel
	queue   *queue
	autoAck bool
	unacked int
	buf     []amqp.Delivery
	out     chan amqp.Delivery
	signal  chan struct{}
	done    chan struct{}
}

// QueueDeclare declares a queue. An empty name asks the broker to generate one.
func (ch *Channel) QueueDeclare(
	name string,
	durable, autoDelete, exclusive, _ bool,
	_ amqp.Table,
) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.seq++
		name = fmt.Sprintf("amq.gen-%d", b.seq)
	}
	q, ok := b.queues[name]
	if ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.ResourceLocked,
				Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name),
			}
		}
	} else {
		q = &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
		if exclusive {
			q.owner = ch.conn
		}
		b.queues[name] = q
	}
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// Qos sets the per-consumer prefetch window. Zero means unlimited.
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	for _, c := range ch.consumers {
		b.dispatchLocked(c.queue)
	}
	return nil
}

// Consume starts delivering messages from queue.
func (ch *Channel) Consume(
	queueName, consumerTag string,
	autoAck, _, _, _ bool,
	_ amqp.Table,
) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName),
		}
	}
	if consumerTag == "" {
		b.seq++
		consumerTag = fmt.Sprintf("ctag-%d", b.seq)
	}
	c := &consumer{
		tag:     consumerTag,
		ch:      ch,
		queue:   q,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	ch.consumers = append(ch.consumers, c)
	q.consumers = append(q.consumers, c)
	go c.run()
	b.dispatchLocked(q)
	return c.out, nil
}

// PublishWithContext routes msg to the queue named key on the default exchange.
// Unroutable messages are dropped, as with a non-mandatory publish.
func (ch *Channel) PublishWithContext(
	ctx context.Context,
	exchange, key string,
	_, _ bool,
	msg amqp.Publishing,
) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if exchange != "" {
		return &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange),
		}
	}
	if b.publishHook != nil {
		if err := b.publishHook(key, msg); err != nil {
			return err
		}
	}
	msg.Body = append([]byte(nil), msg.Body...)
	b.published = append(b.published, Message{Queue: key, Publishing: msg})
	if q, ok := b.queues[key]; ok {
		q.ready = append(q.ready, message{key: key, pub: msg})
		b.dispatchLocked(q)
	}
	return nil
}

// NotifyClose registers receiver for channel close events.
func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// Close closes the channel, requeueing unacknowledged deliveries.
func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// Ack acknowledges tag, or every outstanding tag up to it when multiple is set.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, true, false)
}

// Nack negatively acknowledges tag.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.settle(tag, multiple, false, requeue)
}

// Reject negatively acknowledges a single tag.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple, ack, requeue bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	tags := []uint64{tag}
	if multiple {
		tags = tags[:0]
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	}
	if _, ok := ch.unacked[tag]; !ok && !multiple {
		return &amqp.Error{
			Code:   amqp.PreconditionFailed,
			Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag),
		}
	}

	touched := make(map[*queue]struct{})
	for _, t := range tags {
		f, ok := ch.unacked[t]
		if !ok {
			continue
		}
		delete(ch.unacked, t)
		f.consumer.unacked--
		b.settled = append(b.settled, Settlement{
			Queue:         f.queue.name,
			CorrelationID: f.msg.pub.CorrelationId,
			DeliveryTag:   t,
			Ack:           ack,
			Requeue:       requeue,
		})
		if !ack && requeue {
			f.msg.redelivered = true
			f.queue.ready = append([]message{f.msg}, f.queue.ready...)
		}
		touched[f.queue] = struct{}{}
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
	return nil
}

func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.conn.broker

	tags := make([]uint64, 0, len(ch.unacked))
	for t := range ch.unacked {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	touched := make(map[*queue]struct{})
	for _, t := range tags {
		f := ch.unacked[t]
		f.msg.redelivered = true
		f.queue.ready = append([]message{f.msg}, f.queue.ready...)
		touched[f.queue] = struct{}{}
	}
	ch.unacked = make(map[uint64]*inflight)

	for _, c := range ch.consumers {
		c.queue.removeConsumerLocked(c)
		close(c.done)
		if c.queue.autoDelete && len(c.queue.consumers) == 0 {
			b.deleteQueueLocked(c.queue)
			delete(touched, c.queue)
		} else {
			touched[c.queue] = struct{}{}
		}
	}
	ch.consumers = nil

	for i, existing := range ch.conn.channels {
		if existing == ch {
			ch.conn.channels = append(ch.conn.channels[:i], ch.conn.channels[i+1:]...)
			break
		}
	}
	notifyLocked(ch.notify, reason)
	ch.notify = nil

	for q := range touched {
		b.dispatchLocked(q)
	}
}

func (c *consumer) hasCapacityLocked() bool {
	return c.autoAck || c.ch.prefetch <= 0 || c.unacked < c.ch.prefetch
}

func (c *consumer) deliverLocked(q *queue, msg message) {
	c.ch.tagSeq++
	tag := c.ch.tagSeq
	d := amqp.Delivery{
		Acknowledger:  c.ch,
		Headers:       msg.pub.Headers,
		ContentType:   msg.pub.ContentType,
		DeliveryMode:  msg.pub.DeliveryMode,
		CorrelationId: msg.pub.CorrelationId,
		ReplyTo:       msg.pub.ReplyTo,
		MessageId:     msg.pub.MessageId,
		Timestamp:     msg.pub.Timestamp,
		ConsumerTag:   c.tag,
		DeliveryTag:   tag,
		Redelivered:   msg.redelivered,
		RoutingKey:    msg.key,
		Body:          msg.pub.Body,
	}
	if !c.autoAck {
		c.ch.unacked[tag] = &inflight{queue: q, msg: msg, consumer: c}
		c.unacked++
	}
	c.buf = append(c.buf, d)
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// run hands buffered deliveries to the consumer's channel without holding
// the broker lock while blocked on the receiver.
func (c *consumer) run() {
	defer close(c.out)
	b := c.ch.conn.broker
	for {
		select {
		case <-c.done:
			return
		case <-c.signal:
		}
		for {
			b.mu.Lock()
			if len(c.buf) == 0 {
				b.mu.Unlock()
				break
			}
			d := c.buf[0]
			c.buf = c.buf[1:]
			b.mu.Unlock()

			select {
			case c.out <- d:
			case <-c.done:
				return
			}
		}
	}
}

// Package broker defines the narrow AMQP surface the worker and client use,
// and an implementation backed by github.com/rabbitmq/amqp091-go.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialCanceled is returned when the dial context ends before a connection opens.
var ErrDialCanceled = errors.New("broker dial canceled")

// Channel is the subset of *amqp.Channel used by this module.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is a broker connection able to open channels.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// AMQPDialer dials a RabbitMQ server.
type AMQPDialer struct {
	URL         string
	Name        string
	DialTimeout time.Duration
}

// NewAMQPDialer returns a dialer for url. name is advertised as the
// connection_name client property so connections are identifiable in the
// management UI.
func NewAMQPDialer(url, name string) *AMQPDialer {
	return &AMQPDialer{URL: url, Name: name, DialTimeout: 30 * time.Second}
}

// Dial opens a connection. amqp091 dials synchronously, so ctx is honoured
// by abandoning the attempt and closing the late connection.
func (d *AMQPDialer) Dial(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDialCanceled, err)
	}
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cfg := amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.Table{},
	}
	if d.Name != "" {
		cfg.Properties["connection_name"] = d.Name
	}

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.DialConfig(d.URL, cfg)
		done <- dialResult{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-done; res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %w", ErrDialCanceled, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("dial broker: %w", res.err)
		}
		return &amqpConnection{conn: res.conn}, nil
	}
}

type amqpConnection struct {
	conn *amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}

var _ Channel = (*amqp.Channel)(nil)

// Package client implements the request side of the scrape RPC: it publishes
// scrape requests to the worker input queue and resolves each caller when the
// reply carrying its correlation ID arrives on a private reply queue.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-scraper/internal/broker"
	"github.com/JakeFAU/markdown-scraper/internal/metrics"
	"github.com/JakeFAU/markdown-scraper/internal/scrape"
)

var (
	// ErrTimeout is returned when no reply arrives within the call's bound.
	ErrTimeout = errors.New("scrape request timed out")
	// ErrMalformedReply is returned when the matching reply cannot be decoded.
	ErrMalformedReply = errors.New("malformed scrape reply")
	// ErrClosed is returned for calls made on, or interrupted by, a closed client.
	ErrClosed = errors.New("scrape client closed")

	errReplyConsumerEnded = errors.New("reply consumer ended")
)

// Config controls Client behavior.
type Config struct {
	InputQueue     string
	DefaultTimeout time.Duration
	PublishTimeout time.Duration
}

type outcome struct {
	result scrape.Result
	err    error
}

// Client multiplexes scrape calls over one broker channel and one exclusive
// reply queue. It is safe for concurrent use.
type Client struct {
	dialer broker.Dialer
	ids    scrape.IDGenerator
	cfg    Config
	logger *zap.Logger

	// connMu guards the connection state and serializes publishes.
	connMu  sync.Mutex
	conn    broker.Connection
	ch      broker.Channel
	replyTo string
	closed  bool

	pendingMu sync.Mutex
	pending   map[string]chan outcome
}

// New constructs a Client. The broker connection is opened on first use.
func New(dialer broker.Dialer, ids scrape.IDGenerator, cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InputQueue == "" {
		cfg.InputQueue = "scraper-requests"
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	metrics.Init()
	return &Client{
		dialer:  dialer,
		ids:     ids,
		cfg:     cfg,
		logger:  logger.Named("client"),
		pending: make(map[string]chan outcome),
	}
}

// Scrape asks a worker to fetch and convert rawURL and waits for the reply.
// A non-positive timeout uses the configured default. The returned Result may
// itself report a failure (for example an HTTP error at the remote site);
// the error return is reserved for transport, protocol and timeout failures.
func (c *Client) Scrape(ctx context.Context, rawURL string, timeout time.Duration) (scrape.Result, error) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}
	id, err := c.ids.NewID()
	if err != nil {
		metrics.ObserveCall(metrics.CallFailed)
		return scrape.Result{}, fmt.Errorf("generate correlation id: %w", err)
	}
	logger := c.logger.With(zap.String("correlation_id", id), zap.String("url", rawURL))

	replyCh := c.register(id)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Connecting and publishing share the call's bound.
	sendCtx, cancelSend := context.WithTimeout(ctx, timeout)
	err = c.publish(sendCtx, id, scrape.Request{URL: rawURL})
	cancelSend()
	if err != nil {
		c.remove(id)
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			metrics.ObserveCall(metrics.CallTimeout)
			logger.Info("scrape request timed out before it was sent", zap.Error(err))
			return scrape.Result{}, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
		}
		metrics.ObserveCall(metrics.CallFailed)
		logger.Warn("publish scrape request failed", zap.Error(err))
		return scrape.Result{}, err
	}
	logger.Debug("scrape request sent", zap.Duration("timeout", timeout))

	select {
	case o := <-replyCh:
		return c.finish(o)
	case <-timer.C:
		if c.remove(id) {
			metrics.ObserveCall(metrics.CallTimeout)
			logger.Info("scrape request timed out", zap.Duration("timeout", timeout))
			return scrape.Result{}, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return c.finish(<-replyCh)
	case <-ctx.Done():
		if c.remove(id) {
			metrics.ObserveCall(metrics.CallCanceled)
			return scrape.Result{}, fmt.Errorf("scrape request canceled: %w", ctx.Err())
		}
		return c.finish(<-replyCh)
	}
}

func (c *Client) finish(o outcome) (scrape.Result, error) {
	switch {
	case o.err == nil:
		metrics.ObserveCall(metrics.CallResolved)
	case errors.Is(o.err, ErrMalformedReply):
		metrics.ObserveCall(metrics.CallMalformed)
	default:
		metrics.ObserveCall(metrics.CallFailed)
	}
	return o.result, o.err
}

// Pending reports the number of calls waiting for a reply.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Connected reports whether a broker connection is currently held.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.ch != nil
}

// Close closes the channel and connection. Calls still waiting for a reply
// fail with ErrClosed.
func (c *Client) Close() error {
	c.connMu.Lock()
	c.closed = true
	ch, conn := c.ch, c.conn
	c.ch, c.conn, c.replyTo = nil, nil, ""
	c.connMu.Unlock()

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.pendingMu.Lock()
	for id, replyCh := range c.pending {
		delete(c.pending, id)
		replyCh <- outcome{err: ErrClosed}
	}
	metrics.SetPendingCalls(0)
	c.pendingMu.Unlock()

	return errors.Join(errs...)
}

func (c *Client) register(id string) chan outcome {
	replyCh := make(chan outcome, 1)
	c.pendingMu.Lock()
	c.pending[id] = replyCh
	metrics.SetPendingCalls(len(c.pending))
	c.pendingMu.Unlock()
	return replyCh
}

// remove deletes the pending entry for id and reports whether it was present.
// Only the caller that removes the entry may complete the call.
func (c *Client) remove(id string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	metrics.SetPendingCalls(len(c.pending))
	return true
}

func (c *Client) publish(ctx context.Context, id string, req scrape.Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := c.ensureConnectedLocked(ctx); err != nil {
		return err
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()
	err = c.ch.PublishWithContext(pubCtx, "", c.cfg.InputQueue, false, false, amqp.Publishing{
		ContentType:   scrape.ContentTypeJSON,
		CorrelationId: id,
		ReplyTo:       c.replyTo,
		DeliveryMode:  amqp.Persistent,
		Body:          body,
	})
	if err != nil {
		c.dropLocked()
		return fmt.Errorf("publish scrape request: %w", err)
	}
	return nil
}

func (c *Client) ensureConnectedLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.ch != nil {
		return nil
	}

	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("declare reply queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("consume reply queue: %w", err)
	}

	c.conn, c.ch, c.replyTo = conn, ch, q.Name
	lost := make(chan *amqp.Error, 2)
	conn.NotifyClose(forward(lost))
	ch.NotifyClose(forward(lost))
	go c.watch(ch, lost)
	go c.dispatch(ch, deliveries)

	c.logger.Info("connected to broker", zap.String("reply_queue", q.Name))
	return nil
}

// forward returns a close listener that relays at most one error into out.
// A plain close without an error is relayed as a channel error.
func forward(out chan<- *amqp.Error) chan *amqp.Error {
	in := make(chan *amqp.Error, 1)
	go func() {
		reason, ok := <-in
		if !ok || reason == nil {
			reason = &amqp.Error{Code: amqp.ChannelError, Reason: "closed"}
		}
		select {
		case out <- reason:
		default:
		}
	}()
	return in
}

// watch invalidates the cached state once the connection or the channel
// closes, so the next call re-dials. Pending calls are left to their own
// timers.
func (c *Client) watch(ch broker.Channel, lost <-chan *amqp.Error) {
	reason := <-lost
	c.invalidate(ch, reason)
}

// invalidate drops the cached connection if ch is still the live channel.
// Explicit teardown clears the state first, making this a no-op.
func (c *Client) invalidate(ch broker.Channel, reason error) {
	c.connMu.Lock()
	if c.ch != ch {
		c.connMu.Unlock()
		return
	}
	conn := c.conn
	c.conn, c.ch, c.replyTo = nil, nil, ""
	c.connMu.Unlock()

	_ = ch.Close()
	if conn != nil {
		_ = conn.Close()
	}
	metrics.ObserveReconnect("client")
	c.logger.Warn("broker connection lost", zap.Error(reason))
}

func (c *Client) dropLocked() {
	ch, conn := c.ch, c.conn
	c.conn, c.ch, c.replyTo = nil, nil, ""
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Client) dispatch(ch broker.Channel, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		c.resolve(d)
	}
	c.invalidate(ch, errReplyConsumerEnded)
}

func (c *Client) resolve(d amqp.Delivery) {
	c.pendingMu.Lock()
	replyCh, ok := c.pending[d.CorrelationId]
	if ok {
		delete(c.pending, d.CorrelationId)
		metrics.SetPendingCalls(len(c.pending))
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("dropping reply for unknown correlation id", zap.String("correlation_id", d.CorrelationId))
		return
	}

	var resp scrape.Response
	if err := json.Unmarshal(d.Body, &resp); err != nil {
		replyCh <- outcome{err: fmt.Errorf("%w: %w", ErrMalformedReply, err)}
		return
	}
	replyCh <- outcome{result: resp.Result}
}

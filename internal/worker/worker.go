// Package worker implements the broker-facing scrape service: it consumes
// scrape requests one at a time, runs the fetch pipeline and replies to the
// requester's queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-scraper/internal/broker"
	"github.com/JakeFAU/markdown-scraper/internal/metrics"
	"github.com/JakeFAU/markdown-scraper/internal/scrape"
)

var (
	// ErrHandlerPanic wraps a panic recovered while handling a delivery.
	ErrHandlerPanic = errors.New("handler panic")
	// ErrConnectionLost reports that the broker closed the connection or channel.
	ErrConnectionLost = errors.New("broker connection lost")
)

// State is the worker's broker connection state.
type State int32

const (
	// StateDisconnected means no broker connection is held.
	StateDisconnected State = iota
	// StateConnecting means a dial or topology setup is in progress.
	StateConnecting
	// StateConsuming means the worker is attached to the input queue.
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	default:
		return "disconnected"
	}
}

// Config controls Worker behavior.
type Config struct {
	InputQueue     string
	OutputQueue    string
	Prefetch       int
	ReconnectBase  time.Duration
	ReconnectMax   time.Duration
	PublishTimeout time.Duration
	EventTopic     string
}

// Worker consumes scrape requests from the broker and publishes results.
type Worker struct {
	dialer  broker.Dialer
	fetcher scrape.Fetcher
	clock   scrape.Clock
	events  scrape.EventPublisher
	cfg     Config
	logger  *zap.Logger
	backoff *ReconnectPolicy

	state atomic.Int32

	mu     sync.Mutex
	conn   broker.Connection
	ch     broker.Channel
	closed bool
}

// New constructs a Worker. events may be nil.
func New(
	dialer broker.Dialer,
	fetcher scrape.Fetcher,
	clock scrape.Clock,
	events scrape.EventPublisher,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InputQueue == "" {
		cfg.InputQueue = "scraper-requests"
	}
	if cfg.OutputQueue == "" {
		cfg.OutputQueue = "scraper-results"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	metrics.Init()
	return &Worker{
		dialer:  dialer,
		fetcher: fetcher,
		clock:   clock,
		events:  events,
		cfg:     cfg,
		logger:  logger.Named("worker"),
		backoff: NewReconnectPolicy(cfg.ReconnectBase, cfg.ReconnectMax),
	}
}

// State reports the current connection state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Ready reports whether the worker is consuming.
func (w *Worker) Ready() bool {
	return w.State() == StateConsuming
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	metrics.SetWorkerConnected(s == StateConsuming)
}

// Run blocks, consuming deliveries and reconnecting after broker failures,
// until ctx finishes or Close is called.
func (w *Worker) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil || w.isClosed() {
			return nil
		}

		w.setState(StateConnecting)
		deliveries, lost, err := w.connect(ctx)
		if err != nil {
			w.setState(StateDisconnected)
			delay := w.backoff.Backoff(attempt)
			attempt++
			w.logger.Warn("broker connect failed",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", delay),
				zap.Error(err),
			)
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		attempt = 0
		w.setState(StateConsuming)
		w.logger.Info("consuming scrape requests",
			zap.String("input_queue", w.cfg.InputQueue),
			zap.Int("prefetch", w.cfg.Prefetch),
		)
		err = w.consume(ctx, deliveries, lost)
		w.teardown()
		w.setState(StateDisconnected)

		if ctx.Err() != nil || w.isClosed() {
			return nil
		}
		metrics.ObserveReconnect("worker")
		delay := w.backoff.Backoff(0)
		w.logger.Warn("broker connection lost; reconnecting",
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// Close tears down the broker connection and stops Run.
func (w *Worker) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.teardown()
	w.setState(StateDisconnected)
	return nil
}

func (w *Worker) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *Worker) connect(ctx context.Context) (<-chan amqp.Delivery, <-chan *amqp.Error, error) {
	conn, err := w.dialer.Dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	fail := func(step string, err error) (<-chan amqp.Delivery, <-chan *amqp.Error, error) {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("%s: %w", step, err)
	}
	if _, err := ch.QueueDeclare(w.cfg.InputQueue, true, false, false, false, nil); err != nil {
		return fail("declare input queue", err)
	}
	if _, err := ch.QueueDeclare(w.cfg.OutputQueue, true, false, false, false, nil); err != nil {
		return fail("declare output queue", err)
	}
	if err := ch.Qos(w.cfg.Prefetch, 0, false); err != nil {
		return fail("set qos", err)
	}

	lost := make(chan *amqp.Error, 2)
	conn.NotifyClose(forward(lost))
	ch.NotifyClose(forward(lost))

	deliveries, err := ch.Consume(w.cfg.InputQueue, "", false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, errors.New("worker closed")
	}
	w.conn, w.ch = conn, ch
	w.mu.Unlock()
	return deliveries, lost, nil
}

// forward returns a close listener that relays at most one error into out.
func forward(out chan<- *amqp.Error) chan *amqp.Error {
	in := make(chan *amqp.Error, 1)
	go func() {
		err, ok := <-in
		if !ok || err == nil {
			err = &amqp.Error{Code: amqp.ChannelError, Reason: "closed"}
		}
		select {
		case out <- err:
		default:
		}
	}()
	return in
}

func (w *Worker) consume(ctx context.Context, deliveries <-chan amqp.Delivery, lost <-chan *amqp.Error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reason := <-lost:
			return fmt.Errorf("%w: %v", ErrConnectionLost, reason)
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery stream ended", ErrConnectionLost)
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) teardown() {
	w.mu.Lock()
	conn, ch := w.conn, w.ch
	w.conn, w.ch = nil, nil
	w.mu.Unlock()
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (w *Worker) channel() broker.Channel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// handle runs one delivery to completion. Each delivery ends in exactly one
// Ack or one Nack, except when shutdown interrupts the fetch: the delivery is
// then left unacknowledged so the broker redelivers it.
func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	req := parseRequest(d.Body)
	replyTo := d.ReplyTo
	if replyTo == "" {
		replyTo = w.cfg.OutputQueue
	}
	logger := w.logger.With(
		zap.String("correlation_id", d.CorrelationId),
		zap.String("url", req.URL),
		zap.String("reply_to", replyTo),
	)
	logger.Debug("delivery received", zap.Uint64("delivery_tag", d.DeliveryTag))

	resp, err := w.process(ctx, req)
	if err == nil && ctx.Err() != nil {
		logger.Info("shutdown interrupted delivery; leaving it for redelivery")
		return
	}
	if err == nil {
		err = w.reply(ctx, replyTo, d.CorrelationId, resp)
	}

	event := scrape.Event{
		CorrelationID: d.CorrelationId,
		RequestID:     req.RequestID,
		URL:           req.URL,
		Success:       err == nil && resp.Success,
	}
	if err == nil {
		event.Error = resp.Error
		if ackErr := d.Ack(false); ackErr != nil {
			logger.Error("ack failed", zap.Error(ackErr))
		} else {
			event.Acked = true
		}
		metrics.ObserveDelivery(metrics.DeliveryAcked, time.Since(start))
		logger.Info("delivery processed",
			zap.Bool("success", resp.Success),
			zap.Duration("elapsed", time.Since(start)),
		)
	} else {
		event.Error = err.Error()
		logger.Error("delivery failed", zap.Error(err))
		failure := scrape.Response{
			RequestID: req.RequestID,
			Result:    scrape.Failed(req.URL, err.Error()).Stamp(w.now()),
		}
		if replyErr := w.reply(ctx, replyTo, d.CorrelationId, failure); replyErr != nil {
			logger.Warn("error reply failed", zap.Error(replyErr))
		}
		if nackErr := d.Nack(false, false); nackErr != nil {
			logger.Error("nack failed", zap.Error(nackErr))
		}
		metrics.ObserveDelivery(metrics.DeliveryRejected, time.Since(start))
	}

	event.Duration = time.Since(start)
	event.Timestamp = w.now().UTC().Format(scrape.TimestampLayout)
	w.emit(ctx, logger, event)
}

// process runs the fetcher, turning a panic into an error.
func (w *Worker) process(ctx context.Context, req scrape.Request) (resp scrape.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	result := w.fetcher.Fetch(ctx, req.URL)
	if result.URL == "" {
		result.URL = req.URL
	}
	return scrape.Response{RequestID: req.RequestID, Result: result.Stamp(w.now())}, nil
}

func (w *Worker) reply(ctx context.Context, replyTo, correlationID string, resp scrape.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	ch := w.channel()
	if ch == nil {
		return fmt.Errorf("publish response: %w", amqp.ErrClosed)
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PublishTimeout)
	defer cancel()
	if err := ch.PublishWithContext(pubCtx, "", replyTo, false, false, amqp.Publishing{
		ContentType:   scrape.ContentTypeJSON,
		CorrelationId: correlationID,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     w.now(),
		Body:          body,
	}); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}
	return nil
}

func (w *Worker) emit(ctx context.Context, logger *zap.Logger, event scrape.Event) {
	if w.events == nil || w.cfg.EventTopic == "" {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.PublishTimeout)
	defer cancel()
	if _, err := w.events.Publish(pubCtx, w.cfg.EventTopic, event); err != nil {
		logger.Warn("event publish failed", zap.String("topic", w.cfg.EventTopic), zap.Error(err))
	}
}

func (w *Worker) now() time.Time {
	if w.clock == nil {
		return time.Now().UTC()
	}
	return w.clock.Now()
}

// parseRequest decodes a delivery body. A body that is not a JSON request,
// or one without a url, is taken to be the URL itself.
func parseRequest(body []byte) scrape.Request {
	var req scrape.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return scrape.Request{URL: strings.TrimSpace(string(body))}
	}
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" {
		req.URL = strings.TrimSpace(string(body))
	}
	return req
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the cobra commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-scraper/internal/api"
	"github.com/JakeFAU/markdown-scraper/internal/broker"
	"github.com/JakeFAU/markdown-scraper/internal/client"
	"github.com/JakeFAU/markdown-scraper/internal/clock/system"
	"github.com/JakeFAU/markdown-scraper/internal/config"
	"github.com/JakeFAU/markdown-scraper/internal/converter"
	collyfetcher "github.com/JakeFAU/markdown-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/markdown-scraper/internal/id/uuid"
	"github.com/JakeFAU/markdown-scraper/internal/policy/ratelimit"
	pubmemory "github.com/JakeFAU/markdown-scraper/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/markdown-scraper/internal/publisher/pubsub"
	"github.com/JakeFAU/markdown-scraper/internal/scrape"
	"github.com/JakeFAU/markdown-scraper/internal/worker"
)

// Option customizes App construction.
type Option func(*App)

// WithDialer replaces the AMQP dialer built from broker.url.
func WithDialer(d broker.Dialer) Option {
	return func(a *App) {
		a.dialer = d
	}
}

// App holds the shared, long-lived services for one process. It is built once
// at startup by the root command and closed when the command returns.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	dialer  broker.Dialer
	events  scrape.EventPublisher
	closers []func() error
}

// New builds the App from cfg. It fails fast when the event publisher cannot
// be initialized. No broker connection is opened here.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	if a.dialer == nil {
		a.dialer = broker.NewAMQPDialer(cfg.Broker.URL, "markdown-scraper")
	}

	switch cfg.Events.Provider {
	case config.EventsNone, "":
		logger.Info("event publishing disabled")
	case config.EventsMemory:
		logger.Info("using in-memory event publisher")
		a.events = pubmemory.New()
	case config.EventsPubSub:
		logger.Info("connecting to GCP Pub/Sub",
			zap.String("project_id", cfg.Events.ProjectID),
			zap.String("topic", cfg.Events.Topic),
		)
		p, err := pubsubpublisher.Dial(ctx, cfg.Events.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initialize event publisher: %w", err)
		}
		a.events = p
		a.closers = append(a.closers, p.Close)
	default:
		return nil, fmt.Errorf("unknown events provider: %s", cfg.Events.Provider)
	}
	return a, nil
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Events returns the configured event publisher, or nil when disabled.
func (a *App) Events() scrape.EventPublisher {
	return a.events
}

// NewFetcher builds the colly fetcher with the standard converter. Per-host
// pacing is enabled when fetcher.host_rps is positive.
func (a *App) NewFetcher() *collyfetcher.Fetcher {
	cfg := collyfetcher.Config{
		UserAgent:     a.cfg.Fetcher.UserAgent,
		RespectRobots: a.cfg.Fetcher.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodyBytes:  a.cfg.Fetcher.MaxBodyBytes,
	}
	if a.cfg.Fetcher.HostRPS > 0 {
		cfg.Limiter = ratelimit.New(ratelimit.Config{
			RPS:   a.cfg.Fetcher.HostRPS,
			Burst: a.cfg.Fetcher.HostBurst,
		})
	}
	return collyfetcher.New(cfg, converter.New(), a.logger)
}

// NewWorker builds the worker service. Call Run on the result.
func (a *App) NewWorker() *worker.Worker {
	w := worker.New(a.dialer, a.NewFetcher(), system.New(), a.events, worker.Config{
		InputQueue:   a.cfg.Broker.InputQueue,
		OutputQueue:  a.cfg.Broker.OutputQueue,
		Prefetch:     a.cfg.Broker.Prefetch,
		ReconnectMax: a.cfg.ReconnectMax(),
		EventTopic:   a.cfg.Events.Topic,
	}, a.logger)
	a.closers = append(a.closers, w.Close)
	return w
}

// NewClient builds the request client.
func (a *App) NewClient() *client.Client {
	c := client.New(a.dialer, uuid.New(), client.Config{
		InputQueue:     a.cfg.Broker.InputQueue,
		DefaultTimeout: a.cfg.ClientTimeout(),
	}, a.logger)
	a.closers = append(a.closers, c.Close)
	return c
}

// NewServer builds the HTTP surface. scraper may be nil for worker processes.
func (a *App) NewServer(scraper api.Scraper, ready api.ReadyFunc) *api.Server {
	timeout := a.cfg.ClientTimeout()
	return api.NewServer(scraper, ready, api.Options{
		DefaultTimeout: timeout,
		MaxTimeout:     4 * timeout,
		RequestTimeout: 4*timeout + 5*time.Second,
	}, a.logger)
}

// Close shuts down every service in reverse construction order and flushes
// the logger.
func (a *App) Close() error {
	a.logger.Info("shutting down application services")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

// Package collyfetcher implements scrape.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-scraper/internal/metrics"
	"github.com/JakeFAU/markdown-scraper/internal/scrape"
)

const (
	// DefaultTimeout bounds a whole fetch when Config.Timeout is zero.
	DefaultTimeout = 30 * time.Second
	// DefaultMaxBodyBytes caps response bodies when Config.MaxBodyBytes is zero.
	DefaultMaxBodyBytes = 10 * 1024 * 1024
	// DefaultUserAgent identifies the scraper to remote sites.
	DefaultUserAgent = "Mozilla/5.0 (compatible; MarkdownScraper/1.0; +https://github.com/JakeFAU/markdown-scraper)"

	acceptHeader = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"
)

// ErrBodyTooLarge reports a response body above the configured cap.
var ErrBodyTooLarge = errors.New("response body too large")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int

	// Limiter, when set, is waited on before every request.
	Limiter HostLimiter
}

// HostLimiter paces requests per host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements scrape.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	converter     scrape.Converter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchOutcome is filled in by the collector callbacks.
type fetchOutcome struct {
	status     int
	statusText string
	body       []byte
	err        error
}

// New builds a Fetcher. The timeout and transport live on the shared
// collector backend, so every clone inherits them.
func New(cfg Config, converter scrape.Converter, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
		// One byte over the cap so oversize bodies are detected instead of
		// silently truncated.
		colly.MaxBodySize(cfg.MaxBodyBytes+1),
	)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		converter:     converter,
		logger:        logger.Named("fetcher"),
		baseCollector: c,
	}
}

// Fetch retrieves rawURL and converts the page. Every outcome, including
// validation and transport failures, is reported through the Result.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) scrape.Result {
	if err := scrape.ValidateURL(rawURL); err != nil {
		metrics.ObserveFetch(rawURL, metrics.FetchInvalidURL, 0)
		return scrape.Failed(rawURL, err.Error())
	}

	start := time.Now()
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, rawURL); err != nil {
			metrics.ObserveFetch(rawURL, metrics.FetchNetworkError, 0)
			return scrape.Failed(rawURL, fmt.Sprintf("fetch canceled: %v", err))
		}
	}

	var outcome fetchOutcome
	collector := f.buildCollector(ctx, &outcome)

	if err := f.runCollector(ctx, collector, rawURL, &outcome); err != nil {
		f.logger.Info("fetch failed",
			zap.String("url", rawURL),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err),
		)
		metrics.ObserveFetch(rawURL, metrics.FetchNetworkError, 0)
		return scrape.Failed(rawURL, err.Error())
	}

	if outcome.status < 200 || outcome.status > 299 {
		metrics.ObserveFetch(rawURL, metrics.FetchHTTPError, len(outcome.body))
		return scrape.Failed(rawURL, fmt.Sprintf("HTTP %d: %s", outcome.status, outcome.statusText))
	}

	metrics.ObserveFetch(rawURL, metrics.FetchSuccess, len(outcome.body))
	f.logger.Debug("fetched page",
		zap.String("url", rawURL),
		zap.Int("status", outcome.status),
		zap.Int("bytes", len(outcome.body)),
		zap.Duration("elapsed", time.Since(start)),
	)

	conv := f.converter.Convert(string(outcome.body))
	return scrape.Result{
		URL:      rawURL,
		Success:  true,
		Markdown: conv.Markdown,
		HTML:     conv.HTML,
	}
}

func (f *Fetcher) buildCollector(ctx context.Context, outcome *fetchOutcome) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, outcome)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, outcome *fetchOutcome) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
	})

	hooks.OnResponse(func(r *colly.Response) {
		outcome.status = r.StatusCode
		outcome.statusText = http.StatusText(r.StatusCode)
		outcome.body = append([]byte(nil), r.Body...)
		if len(outcome.body) > f.cfg.MaxBodyBytes {
			outcome.err = fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.cfg.MaxBodyBytes)
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		outcome.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, outcome *fetchOutcome) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("fetch failed: %w", err)
		}
		if outcome.err != nil {
			return fmt.Errorf("fetch failed: %w", outcome.err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

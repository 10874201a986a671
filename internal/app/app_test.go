package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-scraper/internal/app"
	"github.com/JakeFAU/markdown-scraper/internal/broker/memory"
	"github.com/JakeFAU/markdown-scraper/internal/config"
	pubmemory "github.com/JakeFAU/markdown-scraper/internal/publisher/memory"
)

func testConfig() config.Config {
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Broker:  config.BrokerConfig{URL: "amqp://localhost:5672", InputQueue: "requests", OutputQueue: "results", Prefetch: 1, ReconnectMaxSeconds: 1},
		Fetcher: config.FetcherConfig{TimeoutSeconds: 5, MaxBodyBytes: 1 << 20},
		Client:  config.ClientConfig{TimeoutMs: 2000},
		Events:  config.EventsConfig{Provider: config.EventsNone, Topic: "scrape-events"},
	}
}

func TestNew_EventProviders(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, a.Events())
	assert.NotNil(t, a.Logger())
	assert.Equal(t, cfg, a.Config())

	cfg.Events.Provider = config.EventsMemory
	a, err = app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &pubmemory.Publisher{}, a.Events())
	require.NoError(t, a.Close())
}

func TestNew_UnknownEventProvider(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Events.Provider = "kafka"
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "unknown events provider: kafka")
}

func TestApp_WorkerAndClientRoundTrip(t *testing.T) {
	t.Parallel()

	site := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><h1>Hello</h1><p>World</p></body></html>`))
	}))
	defer site.Close()

	b := memory.New()
	cfg := testConfig()
	cfg.Events.Provider = config.EventsMemory
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithDialer(b))
	require.NoError(t, err)

	w := a.NewWorker()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, w.Ready, time.Second, 5*time.Millisecond)

	c := a.NewClient()
	res, err := c.Scrape(context.Background(), site.URL, 0)
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	require.Contains(t, res.Markdown, "# Hello")
	require.Equal(t, site.URL, res.URL)

	events := a.Events().(*pubmemory.Publisher)
	require.Eventually(t, func() bool { return len(events.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Close())
	require.False(t, c.Connected())
}

func TestApp_ServerUsesClientTimeoutDefault(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), zap.NewNop(), app.WithDialer(memory.New()))
	require.NoError(t, err)

	srv := a.NewServer(nil, func() bool { return true })
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ready", body["status"])
}

func TestApp_CloseWithoutServices(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/markdown-scraper/internal/client"
	"github.com/JakeFAU/markdown-scraper/internal/scrape"
)

func TestServer_Scrape_Succeeds(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{result: scrape.Result{
		URL:       "https://example.com",
		Success:   true,
		Markdown:  "# Hello",
		HTML:      "<h1>Hello</h1>",
		Timestamp: "2026-01-02T03:04:05.000Z",
	}}
	server := newTestServer(scraper)

	rec := postScrape(t, server, `{"url":"https://example.com"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["success"])
	require.Equal(t, "# Hello", body["markdown"])
	require.Equal(t, "https://example.com", body["url"])

	calls := scraper.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, "https://example.com", calls[0].url)
	require.Equal(t, 30*time.Second, calls[0].timeout)
}

func TestServer_Scrape_FailedResultIsStill200(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{result: scrape.Failed("https://example.com/missing", "HTTP 404: Not Found")}
	server := newTestServer(scraper)

	rec := postScrape(t, server, `{"url":"https://example.com/missing"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "HTTP 404: Not Found")
	require.Contains(t, rec.Body.String(), `"success":false`)
}

func TestServer_Scrape_TimeoutOverrideIsCapped(t *testing.T) {
	t.Parallel()

	scraper := &fakeScraper{result: scrape.Result{Success: true}}
	server := NewServer(scraper, nil, Options{
		DefaultTimeout: time.Second,
		MaxTimeout:     5 * time.Second,
	}, zap.NewNop())

	postScrape(t, server, `{"url":"https://example.com","timeout_ms":2500}`)
	postScrape(t, server, `{"url":"https://example.com","timeout_ms":600000}`)

	calls := scraper.recorded()
	require.Len(t, calls, 2)
	require.Equal(t, 2500*time.Millisecond, calls[0].timeout)
	require.Equal(t, 5*time.Second, calls[1].timeout)
}

func TestServer_Scrape_RejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "invalid json", body: "{invalid", want: "URL is required"},
		{name: "missing url", body: `{}`, want: "URL is required"},
		{name: "blank url", body: `{"url":"   "}`, want: "URL is required"},
		{name: "relative url", body: `{"url":"/just/a/path"}`, want: "Invalid URL format"},
		{name: "unsupported scheme", body: `{"url":"ftp://example.com/file"}`, want: "Invalid URL format"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			scraper := &fakeScraper{}
			rec := postScrape(t, newTestServer(scraper), tc.body)

			require.Equal(t, http.StatusBadRequest, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.False(t, body.Success)
			require.Equal(t, tc.want, body.Error)
			require.Empty(t, scraper.recorded())
		})
	}
}

func TestServer_Scrape_MapsClientErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "timeout", err: fmt.Errorf("%w after 10ms", client.ErrTimeout), want: http.StatusGatewayTimeout},
		{name: "deadline", err: fmt.Errorf("scrape request canceled: %w", context.DeadlineExceeded), want: http.StatusGatewayTimeout},
		{name: "malformed", err: client.ErrMalformedReply, want: http.StatusInternalServerError},
		{name: "broker down", err: errors.New("connect to broker: refused"), want: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := postScrape(t, newTestServer(&fakeScraper{err: tc.err}), `{"url":"https://example.com"}`)

			require.Equal(t, tc.want, rec.Code)
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.False(t, body.Success)
			require.Equal(t, tc.err.Error(), body.Error)
		})
	}
}

func TestServer_ScrapeRouteAbsentWithoutScraper(t *testing.T) {
	t.Parallel()

	server := NewServer(nil, nil, Options{}, zap.NewNop())
	rec := postScrape(t, server, `{"url":"https://example.com"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer(nil).Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		ready bool
	)
	server := NewServer(nil, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ready
	}, Options{}, zap.NewNop())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	mu.Lock()
	ready = true
	mu.Unlock()

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	server := newTestServer(nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeScraper{panics: true})
	rec := postScrape(t, server, `{"url":"https://example.com"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestServer(nil).Handler().ServeHTTP(rec, req)

	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDMiddlewareKeepsCallerID(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-123")
	newTestServer(nil).Handler().ServeHTTP(rec, req)

	require.Equal(t, "caller-123", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type scrapeCall struct {
	url     string
	timeout time.Duration
}

type fakeScraper struct {
	result scrape.Result
	err    error
	panics bool

	mu    sync.Mutex
	calls []scrapeCall
}

func (f *fakeScraper) Scrape(_ context.Context, rawURL string, timeout time.Duration) (scrape.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, scrapeCall{url: rawURL, timeout: timeout})
	f.mu.Unlock()
	if f.panics {
		panic("scraper exploded")
	}
	return f.result, f.err
}

func (f *fakeScraper) recorded() []scrapeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]scrapeCall(nil), f.calls...)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(scraper Scraper) *Server {
	return NewServer(scraper, nil, Options{DefaultTimeout: 30 * time.Second}, zap.NewNop())
}

func postScrape(t *testing.T, server *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if scraperFetchesTotal == nil || scraperFetchBytesTotal == nil ||
		workerDeliveriesTotal == nil || clientCallsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetch(t *testing.T) {
	Init()

	ObserveFetch("https://observe-fetch.test/page", FetchSuccess, 128)
	ObserveFetch("https://observe-fetch.test/other", FetchHTTPError, 0)

	if val := testutil.ToFloat64(scraperFetchesTotal.WithLabelValues("observe-fetch.test", FetchSuccess)); val != 1 {
		t.Errorf("expected one successful fetch, got %f", val)
	}
	if val := testutil.ToFloat64(scraperFetchBytesTotal.WithLabelValues("observe-fetch.test")); val != 128 {
		t.Errorf("expected 128 bytes, got %f", val)
	}
}

func TestWorkerAndClientGauges(t *testing.T) {
	Init()

	SetWorkerConnected(true)
	if val := testutil.ToFloat64(workerConnected); val != 1 {
		t.Errorf("expected connected gauge 1, got %f", val)
	}
	SetWorkerConnected(false)
	if val := testutil.ToFloat64(workerConnected); val != 0 {
		t.Errorf("expected connected gauge 0, got %f", val)
	}

	SetPendingCalls(3)
	if val := testutil.ToFloat64(clientPendingCalls); val != 3 {
		t.Errorf("expected pending gauge 3, got %f", val)
	}

	before := testutil.ToFloat64(workerDeliveriesTotal.WithLabelValues(DeliveryRejected))
	ObserveDelivery(DeliveryRejected, 10*time.Millisecond)
	if val := testutil.ToFloat64(workerDeliveriesTotal.WithLabelValues(DeliveryRejected)); val != before+1 {
		t.Errorf("expected rejected deliveries to grow by one, got %f", val-before)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}

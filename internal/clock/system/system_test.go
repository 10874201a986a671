// Package system exercises the real-time clock adapter.
package system

import (
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/markdown-scraper/internal/scrape"
)

// TestClockNowUTC ensures the clock returns UTC timestamps.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	requireNotNil(t, clk)

	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

// TestClockNowMonotonic checks successive timestamps are non-decreasing.
func TestClockNowMonotonic(t *testing.T) {
	t.Parallel()

	clk := New()
	first := clk.Now()
	second := clk.Now()
	if second.Before(first) {
		t.Fatalf("expected second call %v to be >= first %v", second, first)
	}
}

// TestClockStampsZuluTimestamps checks stamped results end in Z.
func TestClockStampsZuluTimestamps(t *testing.T) {
	t.Parallel()

	var clk scrape.Clock = New()
	stamped := scrape.Result{}.Stamp(clk.Now())
	if !strings.HasSuffix(stamped.Timestamp, "Z") {
		t.Fatalf("expected UTC timestamp, got %q", stamped.Timestamp)
	}
	if _, err := time.Parse(scrape.TimestampLayout, stamped.Timestamp); err != nil {
		t.Fatalf("timestamp %q does not parse: %v", stamped.Timestamp, err)
	}
}

func requireNotNil(t *testing.T, v any) {
	t.Helper()
	if v == nil {
		t.Fatal("expected value to be non-nil")
	}
}

package scrape

import (
	"context"
	"time"
)

// Fetcher retrieves a URL and converts it. Every outcome, including network
// and HTTP failures, is reported through the returned Result.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) Result
}

// Converter turns raw HTML into cleaned HTML and Markdown.
type Converter interface {
	Convert(rawHTML string) Conversion
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces correlation IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// EventPublisher pushes delivery events to Pub/Sub (or similar).
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

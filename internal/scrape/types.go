// Package scrape defines the wire types and collaborator contracts shared by
// the worker, the request client and the fetch pipeline.
package scrape

import (
	"encoding/json"
	"time"
)

// TimestampLayout renders completion times as sortable ISO-8601 UTC strings
// with millisecond precision, e.g. 2024-05-01T12:00:00.000Z.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ContentTypeJSON is the content type carried by every broker message.
const ContentTypeJSON = "application/json"

// Request is the body a client publishes to the input queue.
type Request struct {
	URL       string `json:"url"`
	RequestID string `json:"requestId,omitempty"`
}

// Result is the outcome of one fetch-and-convert run.
//
// A failed result never carries Markdown or HTML on the wire. A successful
// result always carries Markdown, even when it is empty.
type Result struct {
	URL       string `json:"url"`
	Success   bool   `json:"success"`
	Markdown  string `json:"markdown"`
	HTML      string `json:"html"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// Failed builds an unsuccessful Result for url.
func Failed(url, errText string) Result {
	return Result{URL: url, Success: false, Error: errText}
}

// Stamp returns a copy of r with its timestamp set to t.
func (r Result) Stamp(t time.Time) Result {
	r.Timestamp = t.UTC().Format(TimestampLayout)
	return r
}

// MarshalJSON drops Markdown/HTML on failure and Error on success.
func (r Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire("", r))
}

// Response is the reply envelope the worker publishes: the Result merged with
// the requester's optional request ID.
type Response struct {
	RequestID string `json:"requestId,omitempty"`
	Result
}

// MarshalJSON flattens the envelope into a single JSON object.
func (r Response) MarshalJSON() ([]byte, error) {
	return json.Marshal(toWire(r.RequestID, r.Result))
}

type wireResult struct {
	RequestID string  `json:"requestId,omitempty"`
	URL       string  `json:"url"`
	Success   bool    `json:"success"`
	Markdown  *string `json:"markdown,omitempty"`
	HTML      *string `json:"html,omitempty"`
	Error     string  `json:"error,omitempty"`
	Timestamp string  `json:"timestamp"`
}

func toWire(requestID string, r Result) wireResult {
	w := wireResult{
		RequestID: requestID,
		URL:       r.URL,
		Success:   r.Success,
		Timestamp: r.Timestamp,
	}
	if r.Success {
		markdown, html := r.Markdown, r.HTML
		w.Markdown = &markdown
		w.HTML = &html
		return w
	}
	w.Error = r.Error
	if w.Error == "" {
		w.Error = "unknown error"
	}
	return w
}

// Conversion is the output of the HTML sanitation pipeline.
type Conversion struct {
	HTML     string
	Markdown string
}

// Event summarizes one handled delivery for downstream observers.
type Event struct {
	CorrelationID string        `json:"correlation_id"`
	RequestID     string        `json:"request_id,omitempty"`
	URL           string        `json:"url"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	Acked         bool          `json:"acked"`
	Duration      time.Duration `json:"duration_ns"`
	Timestamp     string        `json:"timestamp"`
}

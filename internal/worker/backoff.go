package worker

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// ReconnectPolicy spaces broker reconnect attempts with jittered
// exponential backoff.
type ReconnectPolicy struct {
	baseDelay time.Duration
	maxDelay  time.Duration
}

// NewReconnectPolicy builds a policy. Zero values fall back to 250ms and 30s.
func NewReconnectPolicy(baseDelay, maxDelay time.Duration) *ReconnectPolicy {
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &ReconnectPolicy{baseDelay: baseDelay, maxDelay: maxDelay}
}

// Backoff returns the wait before reconnect attempt number attempt (0-based).
// The result lies in [d/2, d) where d is the capped exponential delay.
func (p *ReconnectPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := p.randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func (p *ReconnectPolicy) randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

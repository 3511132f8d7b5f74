// Package reconnect computes retry delays for transport-facing code that
// re-attaches to a session after a dropped connection.
package reconnect

import (
	"math"
	"math/rand"
	"time"
)

const (
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 30 * time.Second
	defaultFactor    = 2.0

	// maxJitter is the upper bound of the uniform jitter added to every
	// delay so reconnecting clients do not stampede.
	maxJitter = time.Second
)

// Policy tracks consecutive reconnection attempts and produces
// exponentially increasing, jittered delays. It owns no resources and is
// cheap to recreate per connection.
type Policy struct {
	attempts    int
	baseDelay   time.Duration
	maxDelay    time.Duration
	factor      float64
	maxAttempts int // 0 means unbounded
}

// Config overrides Policy defaults; zero values keep the default.
type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Factor      float64
	MaxAttempts int
}

// NewPolicy creates a policy with the given overrides.
func NewPolicy(cfg Config) *Policy {
	p := &Policy{
		baseDelay:   defaultBaseDelay,
		maxDelay:    defaultMaxDelay,
		factor:      defaultFactor,
		maxAttempts: cfg.MaxAttempts,
	}
	if cfg.BaseDelay > 0 {
		p.baseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.maxDelay = cfg.MaxDelay
	}
	if cfg.Factor > 0 {
		p.factor = cfg.Factor
	}
	return p
}

// NextDelay returns min(base * factor^attempts, max) plus uniform jitter
// in [0, 1s).
func (p *Policy) NextDelay() time.Duration {
	backoff := float64(p.baseDelay) * math.Pow(p.factor, float64(p.attempts))
	if backoff > float64(p.maxDelay) {
		backoff = float64(p.maxDelay)
	}
	return time.Duration(backoff) + time.Duration(rand.Int63n(int64(maxJitter)))
}

// RecordAttempt counts one failed reconnection attempt.
func (p *Policy) RecordAttempt() {
	p.attempts++
}

// Attempts returns the number of recorded attempts.
func (p *Policy) Attempts() int {
	return p.attempts
}

// ShouldRetry reports whether another attempt is allowed.
func (p *Policy) ShouldRetry() bool {
	return p.maxAttempts == 0 || p.attempts < p.maxAttempts
}

// Reset zeroes the counter after a successful reconnection.
func (p *Policy) Reset() {
	p.attempts = 0
}

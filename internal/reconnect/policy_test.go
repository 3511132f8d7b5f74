package reconnect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelay_ExponentialGrowth(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Second, MaxDelay: time.Minute, Factor: 2})

	for i, wantBase := range []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	} {
		d := p.NextDelay()
		assert.GreaterOrEqual(t, d, wantBase, "attempt %d", i)
		assert.Less(t, d, wantBase+maxJitter, "attempt %d", i)
		p.RecordAttempt()
	}
}

func TestNextDelay_CappedAtMax(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Factor: 10})
	for i := 0; i < 6; i++ {
		p.RecordAttempt()
	}

	d := p.NextDelay()
	assert.GreaterOrEqual(t, d, 5*time.Second)
	assert.Less(t, d, 5*time.Second+maxJitter)
}

func TestNextDelay_JitterVaries(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Second})

	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		seen[p.NextDelay()] = true
	}
	assert.Greater(t, len(seen), 1, "jitter should vary across calls")
}

func TestShouldRetry(t *testing.T) {
	unbounded := NewPolicy(Config{})
	for i := 0; i < 1000; i++ {
		unbounded.RecordAttempt()
	}
	assert.True(t, unbounded.ShouldRetry(), "default policy is unbounded")

	bounded := NewPolicy(Config{MaxAttempts: 3})
	for i := 0; i < 3; i++ {
		assert.True(t, bounded.ShouldRetry())
		bounded.RecordAttempt()
	}
	assert.False(t, bounded.ShouldRetry())
}

func TestReset(t *testing.T) {
	p := NewPolicy(Config{BaseDelay: time.Second, MaxAttempts: 2})
	p.RecordAttempt()
	p.RecordAttempt()
	assert.False(t, p.ShouldRetry())
	assert.Equal(t, 2, p.Attempts())

	p.Reset()
	assert.True(t, p.ShouldRetry())
	assert.Equal(t, 0, p.Attempts())

	d := p.NextDelay()
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, time.Second+maxJitter)
}

func TestDefaults(t *testing.T) {
	p := NewPolicy(Config{})
	assert.Equal(t, defaultBaseDelay, p.baseDelay)
	assert.Equal(t, defaultMaxDelay, p.maxDelay)
	assert.Equal(t, defaultFactor, p.factor)
	assert.Equal(t, 0, p.maxAttempts)
}

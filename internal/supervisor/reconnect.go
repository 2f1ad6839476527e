package supervisor

import (
	"math"
	"math/rand/v2"
	"time"
)

// ReconnectConfig contains configuration for reconnection behavior.
type ReconnectConfig struct {
	Base        time.Duration
	Cap         time.Duration
	Multiplier  float64
	MaxAttempts int // 0 means unlimited
	Jitter      float64
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		Base:        1 * time.Second,
		Cap:         60 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 0,
		Jitter:      0.2,
	}
}

func (c *ReconnectConfig) applyDefaults() {
	d := DefaultReconnectConfig()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.Cap < c.Base {
		c.Cap = max(d.Cap, c.Base)
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
}

// Exhausted reports whether failures consecutive dial failures used up the attempt budget.
func (c ReconnectConfig) Exhausted(failures int) bool {
	return c.MaxAttempts > 0 && failures >= c.MaxAttempts
}

// Delay calculates the wait before the next dial after the given number of
// consecutive failures (1-indexed). r is a uniform value in [0, 1) and
// spreads the result by up to ±Jitter.
func (c ReconnectConfig) Delay(failures int, r float64) time.Duration {
	n := max(failures-1, 0)
	delay := float64(c.Base) * math.Pow(c.Multiplier, float64(n))
	if delay > float64(c.Cap) {
		delay = float64(c.Cap)
	}

	if c.Jitter > 0 {
		delay += (r - 0.5) * 2 * c.Jitter * delay
	}
	if delay < 0 {
		delay = float64(c.Base)
	}
	return time.Duration(delay)
}

func defaultRand() float64 {
	return rand.Float64()
}

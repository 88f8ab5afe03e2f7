package reconnect

import (
	"math"
	"time"
)

// Default policy values.
const (
	DefaultBaseDelay  = 100 * time.Millisecond
	DefaultMaxDelay   = 30 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.2
)

// Policy controls the delay between reconnection attempts. A Policy is a
// plain value and safe to share between goroutines.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Jitter is the fraction, between 0 and 1, by which a delay is randomly
	// scaled up or down.
	Jitter float64
	// MaxAttempts is the number of consecutive failures after which the
	// stream gives up. Zero means retry forever.
	MaxAttempts int
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
	}
}

func (p Policy) withDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	p.Jitter = math.Min(math.Max(p.Jitter, 0), 1)
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Backoff returns min(base * multiplier^attempt, max) without jitter.
// attempt counts consecutive failures before the current one, so the first
// failure uses attempt 0 and waits the base delay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay returns Backoff(attempt) scaled by a factor in [1-jitter, 1+jitter].
// r must be uniformly distributed in [0, 1).
func (p Policy) Delay(attempt int, r float64) time.Duration {
	p = p.withDefaults()
	d := p.Backoff(attempt)
	if p.Jitter == 0 {
		return d
	}
	factor := 1 - p.Jitter + 2*p.Jitter*r
	return time.Duration(float64(d) * factor)
}

// Exhausted reports whether the given number of consecutive failures uses up
// the policy.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}

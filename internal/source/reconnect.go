package source

import (
	"math/rand"
	"time"
)

// reconnectPolicy yields the wait before the next connection attempt.
type reconnectPolicy interface {
	Next() time.Duration
	Reset()
}

func newReconnectPolicy(cfg ReconnectConfig) reconnectPolicy {
	if cfg.Policy == ReconnectExponential {
		return &backoff{base: cfg.Delay, max: cfg.MaxDelay, jitter: rand.Float64}
	}
	return fixedDelay(cfg.Delay)
}

type fixedDelay time.Duration

func (d fixedDelay) Next() time.Duration { return time.Duration(d) }
func (d fixedDelay) Reset()              {}

// backoff doubles the wait after every failure up to max and applies
// ±20% jitter. Reset is called once data flows again.
type backoff struct {
	base, max, cur time.Duration
	jitter         func() float64
}

func (b *backoff) Next() time.Duration {
	if b.cur <= 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	j := 0.8 + 0.4*b.jitter()
	return time.Duration(float64(b.cur) * j)
}

func (b *backoff) Reset() { b.cur = 0 }

package source

import (
	"time"

	"firestige.xyz/edirelay/internal/core/decoder"
)

// Reconnect policies.
const (
	ReconnectFixed       = "fixed"
	ReconnectExponential = "exponential"
)

// Defaults.
const (
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultStaleness      = 2 * time.Second
	DefaultReconnectDelay = 480 * time.Millisecond
	DefaultReconnectMax   = 10 * time.Second
	DefaultDialTimeout    = 2 * time.Second
	DefaultReadBuffer     = 64 * 1024
)

// ReconnectConfig selects how long a lost source waits before the next
// connection attempt.
type ReconnectConfig struct {
	Policy   string
	Delay    time.Duration
	MaxDelay time.Duration
}

// Config is shared by all inputs.
type Config struct {
	PollInterval  time.Duration
	Staleness     time.Duration
	NominalOffset time.Duration // added to the frame timestamp before computing the margin
	DialTimeout   time.Duration
	ReadBuffer    int
	Reconnect     ReconnectConfig
	Reassembly    decoder.ReassemblerConfig
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Staleness <= 0 {
		c.Staleness = DefaultStaleness
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadBuffer <= 0 {
		c.ReadBuffer = DefaultReadBuffer
	}
	if c.Reconnect.Policy == "" {
		c.Reconnect.Policy = ReconnectFixed
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = DefaultReconnectDelay
	}
	if c.Reconnect.MaxDelay < c.Reconnect.Delay {
		c.Reconnect.MaxDelay = max(DefaultReconnectMax, c.Reconnect.Delay)
	}
	return c
}

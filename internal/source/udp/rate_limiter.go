package udp

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// SenderRateLimiter caps the datagrams accepted per sender address and
// window, so a misbehaving sender on a shared multicast group cannot
// flood the reassembler. Counts are kept per window and rotated.
type SenderRateLimiter struct {
	mu           sync.Mutex
	current      map[netip.Addr]*atomic.Int64
	windowStart  time.Time
	windowSize   time.Duration
	maxPerWindow int64

	rejected atomic.Int64
}

// RateLimiterConfig configures per-sender rate limiting.
type RateLimiterConfig struct {
	MaxPackets int           // Max datagrams per sender per window (0 = disabled)
	Window     time.Duration // Window size (default 1s)
}

// NewSenderRateLimiter creates a rate limiter. Returns nil if disabled.
func NewSenderRateLimiter(cfg RateLimiterConfig) *SenderRateLimiter {
	if cfg.MaxPackets <= 0 {
		return nil
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	return &SenderRateLimiter{
		current:      make(map[netip.Addr]*atomic.Int64),
		windowSize:   cfg.Window,
		maxPerWindow: int64(cfg.MaxPackets),
	}
}

// Allow reports whether a datagram from addr is accepted.
func (l *SenderRateLimiter) Allow(addr netip.Addr, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	if now.Sub(l.windowStart) >= l.windowSize {
		l.current = make(map[netip.Addr]*atomic.Int64)
		l.windowStart = now
	}
	counter, exists := l.current[addr]
	if !exists {
		counter = &atomic.Int64{}
		l.current[addr] = counter
	}
	l.mu.Unlock()

	if counter.Add(1) > l.maxPerWindow {
		l.rejected.Add(1)
		return false
	}
	return true
}

// Rejected returns the total number of rejected datagrams.
func (l *SenderRateLimiter) Rejected() int64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}

// Senders returns the number of distinct senders in the current window.
func (l *SenderRateLimiter) Senders() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.current)
}

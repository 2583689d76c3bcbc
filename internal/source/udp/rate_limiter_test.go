package udp

import (
	"net/netip"
	"testing"
	"time"
)

func TestSenderRateLimiter_NilWhenDisabled(t *testing.T) {
	l := NewSenderRateLimiter(RateLimiterConfig{MaxPackets: 0})
	if l != nil {
		t.Fatal("expected nil when MaxPackets = 0")
	}
	if !l.Allow(netip.MustParseAddr("10.0.0.1"), time.Now()) {
		t.Error("a nil limiter allows everything")
	}
}

func TestSenderRateLimiter_RejectsOverLimit(t *testing.T) {
	l := NewSenderRateLimiter(RateLimiterConfig{MaxPackets: 3, Window: time.Second})
	addr := netip.MustParseAddr("10.0.0.1")
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !l.Allow(addr, now) {
			t.Fatalf("datagram %d should be allowed", i)
		}
	}
	if l.Allow(addr, now) {
		t.Error("4th datagram should be rejected")
	}
	if l.Rejected() != 1 {
		t.Errorf("expected 1 rejected, got %d", l.Rejected())
	}
}

func TestSenderRateLimiter_SendersIndependent(t *testing.T) {
	l := NewSenderRateLimiter(RateLimiterConfig{MaxPackets: 1})
	now := time.Now()
	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	if !l.Allow(a, now) || !l.Allow(b, now) {
		t.Fatal("first datagram of each sender should be allowed")
	}
	if l.Senders() != 2 {
		t.Errorf("expected 2 senders, got %d", l.Senders())
	}
}

func TestSenderRateLimiter_WindowRotation(t *testing.T) {
	l := NewSenderRateLimiter(RateLimiterConfig{MaxPackets: 1, Window: 100 * time.Millisecond})
	addr := netip.MustParseAddr("10.0.0.1")
	now := time.Now()

	l.Allow(addr, now)
	if l.Allow(addr, now.Add(50*time.Millisecond)) {
		t.Error("should be rejected within the window")
	}
	if !l.Allow(addr, now.Add(150*time.Millisecond)) {
		t.Error("should be allowed after rotation")
	}
}

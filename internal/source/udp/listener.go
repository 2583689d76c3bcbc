// Package udp implements datagram EDI inputs, unicast or multicast.
package udp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"firestige.xyz/edirelay/internal/metrics"
	"firestige.xyz/edirelay/internal/source"
)

// Options are the datagram specific settings of a UDP source.
type Options struct {
	Interface string // interface name for the multicast join, empty for the default route
	RateLimit RateLimiterConfig
}

// Listener receives one AF packet or PFT fragment per datagram. The
// source host is the local bind address or a multicast group.
type Listener struct {
	*source.Pipeline

	opts    Options
	retry   time.Duration
	retryAt time.Time
	limiter *SenderRateLimiter
	buf     []byte

	mu    sync.Mutex
	conn  *net.UDPConn
	group net.IP
	ifi   *net.Interface
}

var _ source.Input = (*Listener)(nil)

// NewListener creates an unbound UDP input for src.
func NewListener(src *source.Source, cfg source.Config, opts Options) *Listener {
	p := source.NewPipeline(src, cfg)
	cfg = p.Config()
	return &Listener{
		Pipeline: p,
		opts:     opts,
		retry:    cfg.Reconnect.Delay,
		limiter:  NewSenderRateLimiter(opts.RateLimit),
		buf:      make([]byte, cfg.ReadBuffer),
	}
}

// Tick binds the socket when the source is enabled and unbinds it when it
// is disabled.
func (l *Listener) Tick(now time.Time) {
	defer l.Refresh(now)
	src := l.Source()

	if !src.Enabled() {
		if l.current() != nil {
			l.Logger().Info("source disabled, closing socket")
			l.drop(now, nil)
		}
		l.retryAt = time.Time{}
		return
	}
	if l.current() != nil || now.Before(l.retryAt) {
		return
	}

	if err := l.open(); err != nil {
		src.SetLastError(err)
		l.retryAt = now.Add(l.retry)
		l.Logger().WithError(err).Warn("cannot bind UDP source")
		return
	}
	src.SetState(source.StateConnecting)
	src.CountConnect()
	metrics.SourceConnectsTotal.WithLabelValues(src.ID()).Inc()
	l.Reset()
	l.Logger().Info("listening, waiting for data")
}

func (l *Listener) open() error {
	src := l.Source()
	ip := net.ParseIP(src.Host)
	if src.Host != "" && ip == nil {
		return fmt.Errorf("invalid bind address %q", src.Host)
	}

	laddr := &net.UDPAddr{IP: ip, Port: src.Port}
	multicast := ip != nil && ip.IsMulticast()
	if multicast {
		laddr.IP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", laddr, err)
	}

	var ifi *net.Interface
	if multicast {
		if l.opts.Interface != "" {
			ifi, err = net.InterfaceByName(l.opts.Interface)
			if err != nil {
				conn.Close()
				return fmt.Errorf("multicast interface %q: %w", l.opts.Interface, err)
			}
		}
		if err := ipv4.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: ip}); err != nil {
			conn.Close()
			return fmt.Errorf("join group %s: %w", ip, err)
		}
	}

	l.mu.Lock()
	l.conn = conn
	if multicast {
		l.group = ip
		l.ifi = ifi
	}
	l.mu.Unlock()
	return nil
}

// Receive reads datagrams until the poll interval has elapsed once
// without data.
func (l *Listener) Receive(now time.Time) {
	conn := l.current()
	if conn == nil {
		return
	}
	src := l.Source()
	if err := conn.SetReadDeadline(now.Add(l.Config().PollInterval)); err != nil {
		l.drop(now, err)
		return
	}

	n, from, err := conn.ReadFromUDPAddrPort(l.buf)
	if n > 0 {
		arrival := time.Now()
		if !l.limiter.Allow(from.Addr().Unmap(), arrival) {
			metrics.SourceFramesTotal.WithLabelValues(src.ID(), "rate_limited").Inc()
			return
		}
		if src.State() == source.StateConnecting {
			src.SetState(source.StateConnected)
			src.SetLastError(nil)
			l.Logger().WithField("sender", from.String()).Info("source receiving")
		}
		metrics.SourceBytesTotal.WithLabelValues(src.ID()).Add(float64(n))
		data := make([]byte, n)
		copy(data, l.buf[:n])
		l.Push(data, arrival)
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return
		}
		l.drop(time.Now(), err)
	}
}

// Handle returns the socket descriptor, -1 when unbound.
func (l *Listener) Handle() int {
	conn := l.current()
	if conn == nil {
		return -1
	}
	return source.SocketHandle(conn)
}

// Addr returns the bound local address, nil when unbound.
func (l *Listener) Addr() net.Addr {
	conn := l.current()
	if conn == nil {
		return nil
	}
	return conn.LocalAddr()
}

// RateLimited returns the number of datagrams rejected by the limiter.
func (l *Listener) RateLimited() int64 {
	return l.limiter.Rejected()
}

// Close leaves the multicast group and closes the socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	conn, group, ifi := l.conn, l.group, l.ifi
	l.conn, l.group, l.ifi = nil, nil, nil
	l.mu.Unlock()
	l.Source().SetState(source.StateDisconnected)
	if conn == nil {
		return nil
	}
	if group != nil {
		_ = ipv4.NewPacketConn(conn).LeaveGroup(ifi, &net.UDPAddr{IP: group})
	}
	return conn.Close()
}

func (l *Listener) current() *net.UDPConn {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn
}

func (l *Listener) drop(now time.Time, err error) {
	wasUp := l.current() != nil
	_ = l.Close()
	l.Reset()
	if err != nil {
		l.Source().SetLastError(err)
		l.retryAt = now.Add(l.retry)
		l.Logger().WithError(err).Warn("UDP source failed")
	}
	if wasUp {
		l.Lost()
	}
}

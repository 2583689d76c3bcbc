package source

import (
	"errors"
	"net"
	"sync"
	"time"

	"firestige.xyz/edirelay/internal/core/decoder"
	"firestige.xyz/edirelay/internal/metrics"
)

// Connection is a TCP EDI source. The remote end streams AF packets or
// PFT fragments back to back.
type Connection struct {
	*Pipeline

	addr        string
	dialer      net.Dialer
	reconnect   reconnectPolicy
	reconnectAt time.Time
	framer      *decoder.StreamFramer
	buf         []byte

	mu   sync.Mutex
	conn net.Conn
}

var _ Input = (*Connection)(nil)

// NewConnection creates a disconnected TCP input for src.
func NewConnection(src *Source, cfg Config) *Connection {
	p := NewPipeline(src, cfg)
	cfg = p.Config()
	return &Connection{
		Pipeline:  p,
		addr:      src.ID(),
		dialer:    net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: dialKeepAlive, Control: setKeepalive},
		reconnect: newReconnectPolicy(cfg.Reconnect),
		framer:    decoder.NewStreamFramer(),
		buf:       make([]byte, cfg.ReadBuffer),
	}
}

// Tick dials when the source is enabled, disconnected and due.
func (c *Connection) Tick(now time.Time) {
	defer c.Refresh(now)

	if !c.src.Enabled() {
		if c.current() != nil {
			c.log.Info("source disabled, closing connection")
			c.drop(now, nil)
		}
		c.reconnectAt = time.Time{}
		return
	}
	if c.src.State() != StateDisconnected || now.Before(c.reconnectAt) {
		return
	}

	c.src.SetState(StateConnecting)
	conn, err := c.dialer.Dial("tcp", c.addr)
	if err != nil {
		c.src.SetState(StateDisconnected)
		c.src.SetLastError(err)
		c.reconnectAt = now.Add(c.reconnect.Next())
		c.log.WithError(err).Debug("connection attempt failed")
		return
	}

	c.src.CountConnect()
	metrics.SourceConnectsTotal.WithLabelValues(c.addr).Inc()
	c.framer.Reset()
	c.Reset()
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.WithField("connects", c.src.NumConnects()).Info("connected, waiting for data")
}

// Receive reads once with a deadline of one poll interval.
func (c *Connection) Receive(now time.Time) {
	conn := c.current()
	if conn == nil {
		return
	}
	if err := conn.SetReadDeadline(now.Add(c.cfg.PollInterval)); err != nil {
		c.drop(now, err)
		return
	}

	n, err := conn.Read(c.buf)
	if n > 0 {
		arrival := time.Now()
		if c.src.State() == StateConnecting {
			c.src.SetState(StateConnected)
			c.src.SetLastError(nil)
			c.reconnect.Reset()
			c.log.Info("source connected")
		}
		metrics.SourceBytesTotal.WithLabelValues(c.addr).Add(float64(n))
		c.framer.Write(c.buf[:n])
		for {
			pkt, ok := c.framer.Next()
			if !ok {
				break
			}
			c.Push(pkt, arrival)
		}
	}
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return
		}
		c.drop(time.Now(), err)
	}
}

// Handle returns the socket descriptor of the current connection.
func (c *Connection) Handle() int {
	conn := c.current()
	if conn == nil {
		return -1
	}
	return SocketHandle(conn)
}

// Stats adds the framer counters to the pipeline counters.
func (c *Connection) Stats() Stats {
	s := c.Pipeline.Stats()
	s.SyncSkipped = c.framer.Skipped()
	return s
}

// Close closes the connection. The input may be ticked again afterwards.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	c.src.SetState(StateDisconnected)
	if conn == nil {
		return nil
	}
	err := conn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (c *Connection) current() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// drop closes the connection after err (nil when disabled) and schedules
// the next attempt.
func (c *Connection) drop(now time.Time, err error) {
	wasUp := c.current() != nil
	_ = c.Close()
	c.framer.Reset()
	c.Reset()
	if err != nil {
		c.src.SetLastError(err)
		c.reconnectAt = now.Add(c.reconnect.Next())
		c.log.WithError(err).Warn("source connection lost")
	}
	if wasUp {
		c.Lost()
	}
}

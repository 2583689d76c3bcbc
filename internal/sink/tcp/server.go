// Package tcp implements the EDI over TCP server output: every connected
// client receives the AF packet stream.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/metrics"
	"firestige.xyz/edirelay/internal/sink"
)

// Name identifies the sink in logs and metrics.
const Name = "tcp"

// Defaults.
const (
	DefaultQueueSize    = 64
	DefaultWriteTimeout = time.Second
)

// Config configures the server.
type Config struct {
	Listen       string
	QueueSize    int // packets buffered per client before it is dropped
	WriteTimeout time.Duration
	Alignment    int
}

type client struct {
	conn  net.Conn
	queue chan []byte
	once  sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.queue)
		c.conn.Close()
	})
}

// Server accepts EDI clients and writes released frames to them.
type Server struct {
	cfg Config
	ln  net.Listener
	enc *sink.Encoder
	log log.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// New starts listening on cfg.Listen.
func New(cfg Config) (*Server, error) {
	if cfg.Listen == "" {
		return nil, fmt.Errorf("%w: tcp output needs a listen address", core.ErrConfigInvalid)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	s := &Server{
		cfg:     cfg,
		ln:      ln,
		enc:     sink.NewEncoder(cfg.Alignment),
		log:     log.GetLogger().WithFields(map[string]interface{}{"sink": Name, "listen": ln.Addr().String()}),
		clients: make(map[*client]struct{}),
	}

	s.wg.Add(1)
	go s.accept()
	s.log.Info("tcp output listening")
	return s, nil
}

// Name implements sink.Sink.
func (s *Server) Name() string {
	return Name
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}

		c := &client{conn: conn, queue: make(chan []byte, s.cfg.QueueSize)}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.clients[c] = struct{}{}
		s.mu.Unlock()

		s.log.WithField("client", conn.RemoteAddr().String()).Info("client connected")
		s.wg.Add(1)
		go s.write(c)
	}
}

func (s *Server) write(c *client) {
	defer s.wg.Done()
	for pkt := range c.queue {
		err := c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if err == nil {
			_, err = c.conn.Write(pkt)
		}
		if err != nil {
			s.remove(c, err)
			// drain so a concurrent Send never blocks on a dead client
			for range c.queue {
			}
			return
		}
		metrics.SinkPacketsTotal.WithLabelValues(Name, c.conn.RemoteAddr().String()).Inc()
	}
}

func (s *Server) remove(c *client, reason error) {
	s.mu.Lock()
	_, ok := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()

	c.close()
	if ok {
		metrics.SinkErrorsTotal.WithLabelValues(Name, c.conn.RemoteAddr().String()).Inc()
		s.log.WithError(reason).WithField("client", c.conn.RemoteAddr().String()).Info("client dropped")
	}
}

// Send queues the AF packet of frame for every client. Clients whose queue
// is full are disconnected.
func (s *Server) Send(_ context.Context, frame core.DecodedFrame) error {
	af, _ := s.enc.Encode(frame)

	var slow []*client
	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.queue <- af:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		s.remove(c, errors.New("client queue full"))
	}
	return nil
}

// Close stops accepting and disconnects every client.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	err := s.ln.Close()
	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
	s.log.Info("tcp output closed")
	return err
}

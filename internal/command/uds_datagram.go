package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"

	"firestige.xyz/edirelay/internal/log"
)

// DatagramServer answers plain text commands received as unix datagrams,
// one command per datagram, replying to the sender address.
type DatagramServer struct {
	socketPath string
	handler    *CommandHandler
	log        log.Logger
	ready      chan struct{}
}

// NewDatagramServer creates a datagram server bound to socketPath on Start.
func NewDatagramServer(socketPath string, handler *CommandHandler) *DatagramServer {
	return &DatagramServer{
		socketPath: socketPath,
		handler:    handler,
		log:        log.GetLogger().WithField("rc_socket", socketPath),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (s *DatagramServer) Ready() <-chan struct{} {
	return s.ready
}

// Start serves until ctx is done.
func (s *DatagramServer) Start(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: s.socketPath, Net: "unixgram"})
	if err != nil {
		return fmt.Errorf("failed to bind rc socket %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	s.log.Info("rc socket started")
	close(s.ready)

	buf := make([]byte, 1024)
	for {
		n, addr, err := conn.ReadFromUnix(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("rc socket read failed")
			continue
		}
		if n == 0 {
			continue
		}

		reply, err := json.Marshal(s.handler.HandleText(ctx, string(buf[:n])))
		if err != nil {
			s.log.WithError(err).Warn("rc response marshal failed")
			continue
		}
		if addr == nil || addr.Name == "" {
			// unbound sender, nowhere to reply
			continue
		}
		if _, err := conn.WriteToUnix(reply, addr); err != nil {
			s.log.WithError(err).Warn("could not send response to rc client")
		}
	}
}

// Package udp implements the EDI over UDP output. Every released frame is
// sent as one AF packet or as a set of PFT fragments to each destination.
//
// Example configuration:
//
//	outputs:
//	  udp:
//	    format: pft
//	    fec: 2
//	    destinations:
//	      - dest: "239.10.0.1:12000"
//	        interface: eth1
//	        ttl: 4
//	      - dest: "192.0.2.7:12000"
//	        source: "0.0.0.0:13000"
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/net/ipv4"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/encoder"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/metrics"
	"firestige.xyz/edirelay/internal/sink"
)

// Name identifies the sink in logs and metrics.
const Name = "udp"

// Output formats.
const (
	FormatAF  = "af"
	FormatPFT = "pft"
)

// DefaultAlignment pads tag packets to 8 bytes.
const DefaultAlignment = 8

// Destination is one receiver of the output.
type Destination struct {
	Dest      string // host:port
	Source    string // optional local host:port
	TTL       int
	Interface string // multicast interface name
}

// Config configures the UDP output.
type Config struct {
	Destinations []Destination
	Format       string
	FEC          int
	MaxPayload   int
	Alignment    int
	// PFT addressing
	Addr       bool
	SourceAddr uint16
	DestAddr   uint16
}

type destination struct {
	name string
	conn *net.UDPConn
}

// Sender writes EDI packets to the configured destinations. Send is called
// from the relay dispatch goroutine only.
type Sender struct {
	cfg   Config
	enc   *sink.Encoder
	frag  *encoder.Fragmenter
	dests []destination
	log   log.Logger

	packets atomic.Uint64
	errors  atomic.Uint64
}

// New opens one socket per destination.
func New(cfg Config) (*Sender, error) {
	if len(cfg.Destinations) == 0 {
		return nil, fmt.Errorf("%w: udp output needs at least one destination", core.ErrConfigInvalid)
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatPFT
	case FormatAF, FormatPFT:
	default:
		return nil, fmt.Errorf("%w: unknown udp output format %q", core.ErrConfigInvalid, cfg.Format)
	}
	if cfg.Alignment == 0 {
		cfg.Alignment = DefaultAlignment
	}
	if cfg.FEC < 0 {
		return nil, fmt.Errorf("%w: fec must not be negative", core.ErrConfigInvalid)
	}

	s := &Sender{
		cfg: cfg,
		enc: sink.NewEncoder(cfg.Alignment),
		frag: encoder.NewFragmenter(encoder.FragmenterConfig{
			FEC:        cfg.FEC,
			MaxPayload: cfg.MaxPayload,
			Addr:       cfg.Addr,
			Source:     cfg.SourceAddr,
			Dest:       cfg.DestAddr,
		}),
		log: log.GetLogger().WithField("sink", Name),
	}
	for _, d := range cfg.Destinations {
		conn, err := dial(d)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.dests = append(s.dests, destination{name: d.Dest, conn: conn})
	}
	s.log.WithFields(map[string]interface{}{
		"format":       cfg.Format,
		"fec":          cfg.FEC,
		"destinations": len(s.dests),
	}).Info("udp output ready")
	return s, nil
}

func dial(d Destination) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", d.Dest)
	if err != nil {
		return nil, fmt.Errorf("resolve destination %q: %w", d.Dest, err)
	}
	var laddr *net.UDPAddr
	if d.Source != "" {
		laddr, err = net.ResolveUDPAddr("udp4", d.Source)
		if err != nil {
			return nil, fmt.Errorf("resolve source %q: %w", d.Source, err)
		}
	}
	conn, err := net.DialUDP("udp4", laddr, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", d.Dest, err)
	}

	if err := configure(conn, raddr, d); err != nil {
		conn.Close()
		return nil, fmt.Errorf("configure %q: %w", d.Dest, err)
	}
	return conn, nil
}

func configure(conn *net.UDPConn, raddr *net.UDPAddr, d Destination) error {
	if !raddr.IP.IsMulticast() {
		if d.TTL > 0 {
			return ipv4.NewConn(conn).SetTTL(d.TTL)
		}
		return nil
	}

	pc := ipv4.NewPacketConn(conn)
	if d.TTL > 0 {
		if err := pc.SetMulticastTTL(d.TTL); err != nil {
			return err
		}
	}
	if d.Interface != "" {
		ifi, err := net.InterfaceByName(d.Interface)
		if err != nil {
			return err
		}
		if err := pc.SetMulticastInterface(ifi); err != nil {
			return err
		}
	}
	return nil
}

// Name implements sink.Sink.
func (s *Sender) Name() string {
	return Name
}

// Send encodes frame and writes it to every destination.
func (s *Sender) Send(_ context.Context, frame core.DecodedFrame) error {
	af, pseq := s.enc.Encode(frame)
	packets := [][]byte{af}
	if s.cfg.Format == FormatPFT {
		packets = s.frag.Fragment(pseq, af)
	}

	var errs []error
	for _, d := range s.dests {
		for _, pkt := range packets {
			if _, err := d.conn.Write(pkt); err != nil {
				s.errors.Add(1)
				metrics.SinkErrorsTotal.WithLabelValues(Name, d.name).Inc()
				errs = append(errs, fmt.Errorf("send to %s: %w", d.name, err))
				break
			}
			s.packets.Add(1)
			metrics.SinkPacketsTotal.WithLabelValues(Name, d.name).Inc()
		}
	}
	return errors.Join(errs...)
}

// Packets returns the number of datagrams written.
func (s *Sender) Packets() uint64 {
	return s.packets.Load()
}

// Close closes every socket.
func (s *Sender) Close() error {
	var errs []error
	for _, d := range s.dests {
		if err := d.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.dests = nil
	s.log.WithFields(map[string]interface{}{
		"packets": s.packets.Load(),
		"errors":  s.errors.Load(),
	}).Info("udp output closed")
	return errors.Join(errs...)
}

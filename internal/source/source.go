// Package source maintains the connections to the configured EDI sources
// and turns their packets into decoded frames.
package source

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"
)

// Kind is the transport of a source.
type Kind string

const (
	KindTCP Kind = "tcp"
	KindUDP Kind = "udp"
)

// State is the connection state of a source.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Source is one configured input. Its flags are written by the owning
// input goroutine and the redundancy manager and may be read anywhere.
type Source struct {
	Host string
	Port int
	Kind Kind

	enabled   atomic.Bool
	active    atomic.Bool
	state     atomic.Int32
	connects  atomic.Uint64
	lastFrame atomic.Int64 // unix nanoseconds
	marginUs  atomic.Int64
	marginOK  atomic.Bool
	lastErr   atomic.Value // string
}

// NewSource creates a source in the disconnected state.
func NewSource(host string, port int, kind Kind, enabled bool) *Source {
	s := &Source{Host: host, Port: port, Kind: kind}
	s.enabled.Store(enabled)
	s.lastErr.Store("")
	return s
}

// ID returns host:port.
func (s *Source) ID() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s *Source) Enabled() bool        { return s.enabled.Load() }
func (s *Source) SetEnabled(v bool)    { s.enabled.Store(v) }
func (s *Source) Active() bool         { return s.active.Load() }
func (s *Source) SetActive(v bool)     { s.active.Store(v) }
func (s *Source) State() State         { return State(s.state.Load()) }
func (s *Source) Connected() bool      { return s.State() == StateConnected }
func (s *Source) NumConnects() uint64  { return s.connects.Load() }
func (s *Source) LastError() string    { return s.lastErr.Load().(string) }

// SetState is called by the owning input on every transition.
func (s *Source) SetState(st State) { s.state.Store(int32(st)) }

// SetLastError records the newest failure; nil clears it.
func (s *Source) SetLastError(err error) { s.lastErr.Store(errString(err)) }

// CountConnect records a successful connection and returns the total.
func (s *Source) CountConnect() uint64 { return s.connects.Add(1) }

// LastFrame returns the arrival time of the newest frame, zero if none.
func (s *Source) LastFrame() time.Time {
	ns := s.lastFrame.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// MarginMs returns the last computed margin in milliseconds.
func (s *Source) MarginMs() (float64, bool) {
	if !s.marginOK.Load() {
		return 0, false
	}
	return float64(s.marginUs.Load()) / 1000, true
}

func (s *Source) setMargin(d time.Duration) {
	s.marginUs.Store(d.Microseconds())
	s.marginOK.Store(true)
}

func (s *Source) clearMargin() {
	s.marginOK.Store(false)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

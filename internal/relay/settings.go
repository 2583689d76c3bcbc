package relay

import (
	"fmt"
	"time"

	"firestige.xyz/edirelay/internal/core"
)

// Anchor selects the instant the relay delay is counted from.
type Anchor string

const (
	// AnchorReceived releases frames delay after they were received.
	AnchorReceived Anchor = "received"
	// AnchorTimestamp releases frames delay after their EDI timestamp.
	// Frames without a valid timestamp fall back to the receive time.
	AnchorTimestamp Anchor = "timestamp"
)

// Limits of the runtime settings.
const (
	MaxDelay     = 100 * time.Second
	MaxDropDelay = 100 * time.Second
)

// Defaults.
const (
	DefaultDelay      = 500 * time.Millisecond
	DefaultMaxPending = 1000
	DefaultStatsEvery = 250
)

// Settings are the timing parameters that can change while running.
type Settings struct {
	Delay     time.Duration
	DropLate  bool
	DropDelay time.Duration
	Anchor    Anchor
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Delay:  DefaultDelay,
		Anchor: AnchorReceived,
	}
}

// Validate checks the ranges accepted by the control interface.
func (s Settings) Validate() error {
	if s.Delay < -MaxDelay || s.Delay > MaxDelay {
		return fmt.Errorf("%w: delay %v out of range [%v, %v]", core.ErrConfigInvalid, s.Delay, -MaxDelay, MaxDelay)
	}
	if s.DropDelay < 0 || s.DropDelay > MaxDropDelay {
		return fmt.Errorf("%w: drop delay %v out of range [0, %v]", core.ErrConfigInvalid, s.DropDelay, MaxDropDelay)
	}
	switch s.Anchor {
	case AnchorReceived, AnchorTimestamp:
	default:
		return fmt.Errorf("%w: unknown anchor %q", core.ErrConfigInvalid, s.Anchor)
	}
	return nil
}

// anchor returns the instant the delay of frame is counted from.
func (s Settings) anchor(frame core.DecodedFrame) time.Time {
	if s.Anchor == AnchorTimestamp && frame.Timestamp.Valid() {
		return frame.Timestamp.Time()
	}
	return frame.ReceivedAt
}

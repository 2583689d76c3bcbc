package source

import (
	"time"

	"firestige.xyz/edirelay/internal/core"
)

// FrameHandler receives every frame a source decodes.
type FrameHandler func(frame core.DecodedFrame, src *Source)

// LossHandler is called when an input loses its connection.
type LossHandler func(src *Source)

// Input is one source driven by the redundancy manager. Tick and Receive
// are called from a single goroutine; the other methods are safe from
// any goroutine.
type Input interface {
	Source() *Source
	SetHandlers(onFrame FrameHandler, onLoss LossHandler)

	// Tick connects or disconnects according to the enabled flag and the
	// reconnect schedule, and ages the margin.
	Tick(now time.Time)
	// Receive reads what is available, waiting at most one poll interval.
	Receive(now time.Time)
	// Handle returns the socket descriptor, or -1 when there is none.
	Handle() int

	MarginMs() (float64, bool)
	Healthy(now time.Time) bool
	Stats() Stats
	Close() error
}

// Stats is the per-input diagnostic snapshot.
type Stats struct {
	Frames      uint64 `json:"frames"`
	Bytes       uint64 `json:"bytes"`
	Completed   uint64 `json:"completed"`
	Abandoned   uint64 `json:"abandoned"`
	Malformed   uint64 `json:"malformed"`
	Discarded   uint64 `json:"discarded"`
	SyncSkipped uint64 `json:"sync_skipped"`
}

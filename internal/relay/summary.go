package relay

import (
	"math"
	"time"

	"firestige.xyz/edirelay/internal/core"
)

// Summary aggregates the buffering statistics of one stats window.
type Summary struct {
	At        time.Time `json:"at"`
	Frames    int       `json:"frames"`
	MinMs     float64   `json:"min_ms"`
	MaxMs     float64   `json:"max_ms"`
	MeanMs    float64   `json:"mean_ms"`
	StdevMs   float64   `json:"stdev_ms"`
	Late      int       `json:"late"`
	Dropped   int       `json:"dropped"`
	Inhibited int       `json:"inhibited"`
	// TSTAMs is the timestamp fraction of the frame that closed the window.
	TSTAMs float64 `json:"tsta_ms"`
}

// statsWindow collects per-frame stats until the next summary.
type statsWindow struct {
	times     []float64 // ms
	late      int
	dropped   int
	inhibited int
}

func (w *statsWindow) add(s core.BufferingStat) {
	w.times = append(w.times, float64(s.BufferingTimeUs())/1000)
	if s.Late {
		w.late++
	}
	if s.Dropped {
		w.dropped++
	}
	if s.Inhibited {
		w.inhibited++
	}
}

func (w *statsWindow) len() int {
	return len(w.times)
}

// summarize computes the summary and restarts the window.
func (w *statsWindow) summarize(at time.Time, ts core.FrameTimestamp) Summary {
	s := Summary{
		At:        at,
		Frames:    len(w.times),
		Late:      w.late,
		Dropped:   w.dropped,
		Inhibited: w.inhibited,
	}
	if ts.Present && ts.TSTA != core.TSTANone {
		s.TSTAMs = ts.TSTAMillis()
	}

	if s.Frames > 0 {
		s.MinMs = math.Inf(1)
		s.MaxMs = math.Inf(-1)
		var sum float64
		for _, t := range w.times {
			sum += t
			s.MinMs = math.Min(s.MinMs, t)
			s.MaxMs = math.Max(s.MaxMs, t)
		}
		s.MeanMs = sum / float64(s.Frames)

		var sq float64
		for _, t := range w.times {
			sq += (t - s.MeanMs) * (t - s.MeanMs)
		}
		s.StdevMs = math.Sqrt(sq / float64(s.Frames))
	}

	w.times = w.times[:0]
	w.late, w.dropped, w.inhibited = 0, 0, 0
	return s
}

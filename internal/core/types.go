package core

import (
	"time"
)

// TSTANone marks a TSTA field that carries no timestamp.
const TSTANone = 0xFFFFFF

// TSTAUnitsPerSecond is the TSTA resolution (1/16384 ms).
const TSTAUnitsPerSecond = 16384000

// ediEpoch is the origin of the deti seconds field.
var ediEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// FrameTimestamp is the ATST part of the deti tag.
type FrameTimestamp struct {
	Present bool
	UTCO    uint8  // TAI-UTC offset in seconds
	Seconds uint32 // TAI seconds since 2000-01-01
	TSTA    uint32 // 24 bit, units of 1/16384000 s
}

// Valid reports whether the timestamp can be converted to wall clock time.
func (ts FrameTimestamp) Valid() bool {
	return ts.Present && ts.TSTA != TSTANone && ts.TSTA < TSTAUnitsPerSecond
}

// Time converts the timestamp to UTC. The result is meaningless unless Valid.
func (ts FrameTimestamp) Time() time.Time {
	t := ediEpoch.Add(time.Duration(ts.Seconds) * time.Second)
	t = t.Add(-time.Duration(ts.UTCO) * time.Second)
	frac := time.Duration(uint64(ts.TSTA) * uint64(time.Second) / TSTAUnitsPerSecond)
	return t.Add(frac)
}

// TSTAMillis returns the TSTA field in milliseconds.
func (ts FrameTimestamp) TSTAMillis() float64 {
	return float64(ts.TSTA) / 16384.0
}

// BufferingStat is the diagnostic record of one dispatched frame.
type BufferingStat struct {
	BufferingTime time.Duration
	Late          bool
	Dropped       bool
	Inhibited     bool
}

// BufferingTimeUs returns the buffering time in microseconds.
func (s BufferingStat) BufferingTimeUs() int64 {
	return s.BufferingTime.Microseconds()
}

// TimestampFromTime builds the ATST fields for the UTC instant t.
func TimestampFromTime(t time.Time, utco uint8) FrameTimestamp {
	d := t.Add(time.Duration(utco) * time.Second).Sub(ediEpoch)
	secs := d / time.Second
	return FrameTimestamp{
		Present: true,
		UTCO:    utco,
		Seconds: uint32(secs),
		TSTA:    uint32((d - secs*time.Second) * TSTAUnitsPerSecond / time.Second),
	}
}

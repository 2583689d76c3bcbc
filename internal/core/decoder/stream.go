package decoder

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"
)

// StreamFramer cuts a TCP byte stream into AF packets and PFT fragments.
// After garbage or a corrupted header it resynchronises on the next sync
// word whose header checks out.
type StreamFramer struct {
	buf     []byte
	start   int
	skipped atomic.Uint64
}

// NewStreamFramer creates an empty framer.
func NewStreamFramer() *StreamFramer {
	return &StreamFramer{buf: make([]byte, 0, 64*1024)}
}

// Write appends received bytes. It never fails.
func (f *StreamFramer) Write(p []byte) (int, error) {
	if f.start > 0 && f.start >= len(f.buf)/2 {
		n := copy(f.buf, f.buf[f.start:])
		f.buf = f.buf[:n]
		f.start = 0
	}
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// Next returns the next complete packet, or false when more bytes are
// needed. The returned slice is a copy.
func (f *StreamFramer) Next() ([]byte, bool) {
	for {
		data := f.buf[f.start:]
		i := syncIndex(data)
		if i < 0 {
			// keep a trailing 'A' or 'P', it may be the first sync byte
			keep := 0
			if n := len(data); n > 0 && (data[n-1] == afSync0 || data[n-1] == pftSync0) {
				keep = 1
			}
			f.drop(len(data) - keep)
			return nil, false
		}
		f.drop(i)
		data = f.buf[f.start:]

		total, ok, valid := f.packetLen(data)
		if !valid {
			f.drop(1)
			continue
		}
		if !ok || len(data) < total {
			return nil, false
		}
		if data[0] == afSync0 && data[8]&0x80 != 0 {
			crcEnd := total - afCRCLen
			if CRC16(data[:crcEnd]) != binary.BigEndian.Uint16(data[crcEnd:total]) {
				f.drop(1)
				continue
			}
		}

		pkt := make([]byte, total)
		copy(pkt, data[:total])
		f.start += total
		return pkt, true
	}
}

// packetLen inspects the header at the start of data. ok is false while
// the header is incomplete; valid is false when it can never be a header.
func (f *StreamFramer) packetLen(data []byte) (total int, ok, valid bool) {
	if data[0] == afSync0 {
		if len(data) < AFHeaderLen {
			return 0, false, true
		}
		n, err := AFPacketLen(data)
		if err != nil {
			return 0, false, false
		}
		return n, true, true
	}

	if len(data) < pftFixedLen {
		return 0, false, true
	}
	word := binary.BigEndian.Uint16(data[10:12])
	if hlen := PFTHeaderLen(word&0x8000 != 0, word&0x4000 != 0); len(data) < hlen {
		return 0, false, true
	}
	hlen, plen, err := pftHeader(data)
	if err != nil {
		return 0, false, false
	}
	return hlen + plen, true, true
}

// Skipped returns the number of bytes discarded while searching for sync.
// It may be called while another goroutine feeds the framer.
func (f *StreamFramer) Skipped() uint64 {
	return f.skipped.Load()
}

// Buffered returns the number of bytes waiting for a complete packet.
func (f *StreamFramer) Buffered() int {
	return len(f.buf) - f.start
}

// Reset discards buffered bytes.
func (f *StreamFramer) Reset() {
	f.buf = f.buf[:0]
	f.start = 0
}

func (f *StreamFramer) drop(n int) {
	f.start += n
	f.skipped.Add(uint64(n))
	if f.start == len(f.buf) {
		f.buf = f.buf[:0]
		f.start = 0
	}
}

var (
	afSyncWord  = []byte{afSync0, afSync1}
	pftSyncWord = []byte{pftSync0, pftSync1}
)

func syncIndex(data []byte) int {
	a := bytes.Index(data, afSyncWord)
	p := bytes.Index(data, pftSyncWord)
	switch {
	case a < 0:
		return p
	case p < 0:
		return a
	case a < p:
		return a
	default:
		return p
	}
}

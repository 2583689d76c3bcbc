package encoder

import (
	"encoding/binary"

	"firestige.xyz/edirelay/internal/core/decoder"
)

// DefaultMaxPayload is the largest fragment payload when none is set.
const DefaultMaxPayload = 1400

const maxPlen = 0x3FFF

// FragmenterConfig controls PFT fragmentation.
type FragmenterConfig struct {
	FEC        int // recoverable fragments per sequence, 0 disables Reed-Solomon
	MaxPayload int
	Addr       bool
	Source     uint16
	Dest       uint16
}

// Fragmenter splits AF packets into PFT fragments.
type Fragmenter struct {
	cfg FragmenterConfig
}

// NewFragmenter creates a fragmenter.
func NewFragmenter(cfg FragmenterConfig) *Fragmenter {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.MaxPayload > maxPlen {
		cfg.MaxPayload = maxPlen
	}
	if cfg.FEC < 0 {
		cfg.FEC = 0
	}
	return &Fragmenter{cfg: cfg}
}

// Fragment returns the fragments of one AF packet in index order.
func (f *Fragmenter) Fragment(pseq uint16, af []byte) [][]byte {
	if f.cfg.FEC > 0 {
		return f.fragmentFEC(pseq, af)
	}

	count := ceilDiv(len(af), f.cfg.MaxPayload)
	if count == 0 {
		count = 1
	}
	size := ceilDiv(len(af), count)
	frags := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo := i * size
		hi := min(lo+size, len(af))
		if lo > hi {
			lo = hi
		}
		frags = append(frags, f.header(pseq, i, count, hi-lo, 0, append([]byte(nil), af[lo:hi]...)))
	}
	return frags
}

// fragmentFEC protects the packet with RS(255,207) and spreads the code
// words over the fragments byte by byte, so losing one fragment costs
// each code word only a few bytes.
func (f *Fragmenter) fragmentFEC(pseq uint16, af []byte) [][]byte {
	chunks := max(ceilDiv(len(af), decoder.RSMaxK), 1)
	rsz := chunks*decoder.RSMaxK - len(af)

	block := make([]byte, 0, chunks*255)
	data := make([]byte, decoder.RSMaxK)
	for c := 0; c < chunks; c++ {
		clear(data)
		copy(data, af[min(c*decoder.RSMaxK, len(af)):])
		block = append(block, RSEncode(data)...)
	}

	maxSize := max(min(f.cfg.MaxPayload, chunks*decoder.RSParity/(f.cfg.FEC+1)), 1)
	count := ceilDiv(len(block), maxSize)
	size := ceilDiv(len(block), count)

	frags := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		payload := make([]byte, 0, size)
		for j := 0; j < size; j++ {
			ix := j*count + i
			if ix >= len(block) {
				break
			}
			payload = append(payload, block[ix])
		}
		frags = append(frags, f.header(pseq, i, count, len(payload), rsz, payload))
	}
	return frags
}

func (f *Fragmenter) header(pseq uint16, index, count, plen, rsz int, payload []byte) []byte {
	fec := f.cfg.FEC > 0
	hlen := decoder.PFTHeaderLen(fec, f.cfg.Addr)
	pkt := make([]byte, hlen, hlen+plen)
	pkt[0] = 'P'
	pkt[1] = 'F'
	binary.BigEndian.PutUint16(pkt[2:4], pseq)
	putUint24(pkt[4:7], uint32(index))
	putUint24(pkt[7:10], uint32(count))

	word := uint16(plen) & maxPlen
	if fec {
		word |= 0x8000
	}
	if f.cfg.Addr {
		word |= 0x4000
	}
	binary.BigEndian.PutUint16(pkt[10:12], word)

	off := 12
	if fec {
		pkt[off] = decoder.RSMaxK
		pkt[off+1] = byte(rsz)
		off += 2
	}
	if f.cfg.Addr {
		binary.BigEndian.PutUint16(pkt[off:off+2], f.cfg.Source)
		binary.BigEndian.PutUint16(pkt[off+2:off+4], f.cfg.Dest)
		off += 4
	}
	binary.BigEndian.PutUint16(pkt[off:off+2], decoder.CRC16(pkt[:off]))
	return append(pkt, payload...)
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

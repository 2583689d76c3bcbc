package decoder

import (
	"encoding/binary"
	"fmt"
)

const (
	pftSync0 = 'P'
	pftSync1 = 'F'

	// pftFixedLen covers PSEQ, Findex, Fcount, flags, Plen and HCRC.
	pftFixedLen = 14
	pftFECLen   = 2
	pftAddrLen  = 4

	// RSParity is the number of parity bytes per RS(255,207) code word.
	RSParity = 48
	// RSMaxK is the largest data length of a code word.
	RSMaxK = 255 - RSParity
)

// Fragment is one parsed PFT fragment. Payload aliases the input buffer.
type Fragment struct {
	Pseq    uint16
	Findex  uint32
	Fcount  uint32
	FEC     bool
	Addr    bool
	RSk     uint8
	RSz     uint8
	Source  uint16
	Dest    uint16
	Payload []byte
}

// PFTHeaderLen returns the header length for the given flags.
func PFTHeaderLen(fec, addr bool) int {
	n := pftFixedLen
	if fec {
		n += pftFECLen
	}
	if addr {
		n += pftAddrLen
	}
	return n
}

// pftHeader validates the header at the start of buf and returns its
// length and the payload length.
func pftHeader(buf []byte) (hlen, plen int, err error) {
	if len(buf) < pftFixedLen {
		return 0, 0, fmt.Errorf("%w: %d bytes for PFT header", ErrShortPacket, len(buf))
	}
	if buf[0] != pftSync0 || buf[1] != pftSync1 {
		return 0, 0, fmt.Errorf("%w: PFT sync %q", ErrBadSync, buf[0:2])
	}
	word := binary.BigEndian.Uint16(buf[10:12])
	hlen = PFTHeaderLen(word&0x8000 != 0, word&0x4000 != 0)
	plen = int(word & 0x3FFF)
	if len(buf) < hlen {
		return 0, 0, fmt.Errorf("%w: %d bytes for PFT header of %d", ErrShortPacket, len(buf), hlen)
	}
	want := binary.BigEndian.Uint16(buf[hlen-2 : hlen])
	if got := CRC16(buf[:hlen-2]); got != want {
		return 0, 0, fmt.Errorf("%w: PFT header crc %04x, expected %04x", ErrCRC, got, want)
	}
	return hlen, plen, nil
}

// ParseFragment validates a PFT fragment.
func ParseFragment(buf []byte) (Fragment, error) {
	var f Fragment
	hlen, plen, err := pftHeader(buf)
	if err != nil {
		return f, err
	}
	if len(buf) < hlen+plen {
		return f, fmt.Errorf("%w: PFT payload needs %d bytes, got %d", ErrShortPacket, plen, len(buf)-hlen)
	}

	word := binary.BigEndian.Uint16(buf[10:12])
	f.Pseq = binary.BigEndian.Uint16(buf[2:4])
	f.Findex = uint32(buf[4])<<16 | uint32(buf[5])<<8 | uint32(buf[6])
	f.Fcount = uint32(buf[7])<<16 | uint32(buf[8])<<8 | uint32(buf[9])
	f.FEC = word&0x8000 != 0
	f.Addr = word&0x4000 != 0
	if f.Fcount == 0 || f.Findex >= f.Fcount {
		return f, fmt.Errorf("%w: fragment %d of %d", ErrMalformedFrame, f.Findex, f.Fcount)
	}

	off := 12
	if f.FEC {
		f.RSk = buf[off]
		f.RSz = buf[off+1]
		off += pftFECLen
		if f.RSk == 0 || int(f.RSk) > RSMaxK || f.RSz >= f.RSk {
			return f, fmt.Errorf("%w: RSk %d RSz %d", ErrMalformedFrame, f.RSk, f.RSz)
		}
	}
	if f.Addr {
		f.Source = binary.BigEndian.Uint16(buf[off : off+2])
		f.Dest = binary.BigEndian.Uint16(buf[off+2 : off+4])
	}
	f.Payload = buf[hlen : hlen+plen : hlen+plen]
	return f, nil
}

// joinFragments rebuilds the AF packet from a complete, index-ordered set
// of fragment payloads. With FEC the fragments carry the RS code words
// interleaved byte by byte: byte j of fragment i is byte j*Fcount+i of the
// code word stream. Parity is stripped without correction.
func joinFragments(payloads [][]byte, fec bool, rsk, rsz uint8) ([]byte, error) {
	total := 0
	for _, p := range payloads {
		total += len(p)
	}
	if !fec {
		out := make([]byte, 0, total)
		for _, p := range payloads {
			out = append(out, p...)
		}
		return out, nil
	}

	n := int(rsk) + RSParity
	if total%n != 0 {
		return nil, fmt.Errorf("%w: %d FEC bytes are not a whole number of %d byte code words",
			ErrMalformedFrame, total, n)
	}
	fcount := len(payloads)
	stream := make([]byte, total)
	for i, p := range payloads {
		for j, b := range p {
			ix := j*fcount + i
			if ix >= total {
				return nil, fmt.Errorf("%w: fragment %d overruns the FEC block", ErrMalformedFrame, i)
			}
			stream[ix] = b
		}
	}

	chunks := total / n
	out := make([]byte, 0, chunks*int(rsk))
	for c := 0; c < chunks; c++ {
		out = append(out, stream[c*n:c*n+int(rsk)]...)
	}
	if int(rsz) > len(out) {
		return nil, fmt.Errorf("%w: RSz %d exceeds %d data bytes", ErrMalformedFrame, rsz, len(out))
	}
	return out[:len(out)-int(rsz)], nil
}

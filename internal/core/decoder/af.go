package decoder

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/edirelay/internal/core"
)

const (
	// AFHeaderLen covers SYNC, LEN, SEQ, AR and PT.
	AFHeaderLen = 10
	afCRCLen    = 2

	// MaxAFPayload bounds LEN when resynchronising a byte stream.
	MaxAFPayload = 1 << 20

	afSync0 = 'A'
	afSync1 = 'F'
	ptTag   = 'T'
)

var ErrUnsupported = core.ErrUnsupported

// AFPacket is a parsed AF packet. Payload aliases the input buffer.
type AFPacket struct {
	Seq     uint16
	CF      bool
	Major   uint8
	Minor   uint8
	PT      byte
	Payload []byte
}

// AFPacketLen returns the total length of the AF packet whose header
// starts buf, CRC included.
func AFPacketLen(hdr []byte) (int, error) {
	if len(hdr) < AFHeaderLen {
		return 0, fmt.Errorf("%w: %d bytes for AF header", ErrShortPacket, len(hdr))
	}
	if hdr[0] != afSync0 || hdr[1] != afSync1 {
		return 0, fmt.Errorf("%w: AF sync %q", ErrBadSync, hdr[0:2])
	}
	n := binary.BigEndian.Uint32(hdr[2:6])
	if n > MaxAFPayload {
		return 0, fmt.Errorf("%w: AF LEN %d", ErrMalformedFrame, n)
	}
	total := AFHeaderLen + int(n)
	if hdr[8]&0x80 != 0 {
		total += afCRCLen
	}
	return total, nil
}

// ParseAF validates an AF packet and returns its fields. Bytes after the
// packet are ignored.
func ParseAF(buf []byte) (AFPacket, error) {
	var p AFPacket
	total, err := AFPacketLen(buf)
	if err != nil {
		return p, err
	}
	if len(buf) < total {
		return p, fmt.Errorf("%w: AF packet needs %d bytes, got %d", ErrShortPacket, total, len(buf))
	}

	ar := buf[8]
	p.Seq = binary.BigEndian.Uint16(buf[6:8])
	p.CF = ar&0x80 != 0
	p.Major = (ar >> 4) & 0x07
	p.Minor = ar & 0x0F
	p.PT = buf[9]

	end := total
	if p.CF {
		end -= afCRCLen
		want := binary.BigEndian.Uint16(buf[end:total])
		if got := CRC16(buf[:end]); got != want {
			return p, fmt.Errorf("%w: AF crc %04x, expected %04x", ErrCRC, got, want)
		}
	}
	if p.PT != ptTag {
		return p, fmt.Errorf("%w: AF protocol type %q", ErrUnsupported, p.PT)
	}
	p.Payload = buf[AFHeaderLen:end:end]
	return p, nil
}

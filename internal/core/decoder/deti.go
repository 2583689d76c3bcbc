package decoder

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/edirelay/internal/core"
)

const (
	detiHeaderLen = 2
	etiHeaderLen  = 4
	atstLen       = 8
	ficLen        = 96
	ficLenMode3   = 128
	rfudLen       = 3

	// DLFCModulus is the wrap point of FCTH*250+FCT.
	DLFCModulus = 5000
)

// DETI holds the fields of a deti tag that the relay looks at.
type DETI struct {
	ATSTF bool
	FICF  bool
	RFUDF bool
	FCTH  uint8
	FCT   uint8

	STAT uint8
	MID  uint8
	FP   uint8
	MNSC uint16

	Timestamp core.FrameTimestamp
	FIC       []byte
	RFUD      []byte
}

// DLFC returns the logical frame counter. It wraps at DLFCModulus (5000),
// not 4096.
func (d DETI) DLFC() uint16 {
	return uint16(d.FCTH)*250 + uint16(d.FCT)
}

// ParseDETI decodes the value of a deti tag. Lengths are checked against
// the flags, trailing bytes are rejected.
func ParseDETI(value []byte) (DETI, error) {
	var d DETI
	if len(value) < detiHeaderLen+etiHeaderLen {
		return d, fmt.Errorf("%w: deti tag has %d bytes", ErrMalformedFrame, len(value))
	}

	hdr := binary.BigEndian.Uint16(value[0:2])
	d.ATSTF = hdr&0x8000 != 0
	d.FICF = hdr&0x4000 != 0
	d.RFUDF = hdr&0x2000 != 0
	d.FCTH = uint8(hdr>>8) & 0x1F
	d.FCT = uint8(hdr)
	if d.FCTH > 19 || d.FCT > 249 {
		return d, fmt.Errorf("%w: deti frame count %d/%d out of range", ErrMalformedFrame, d.FCTH, d.FCT)
	}

	eti := binary.BigEndian.Uint32(value[2:6])
	d.STAT = uint8(eti >> 24)
	d.MID = uint8(eti>>22) & 0x03
	d.FP = uint8(eti>>19) & 0x07
	d.MNSC = uint16(eti)

	off := detiHeaderLen + etiHeaderLen
	expected := off
	if d.ATSTF {
		expected += atstLen
	}
	fic := 0
	if d.FICF {
		fic = ficLen
		if d.MID == 3 {
			fic = ficLenMode3
		}
		expected += fic
	}
	if d.RFUDF {
		expected += rfudLen
	}
	if len(value) != expected {
		return d, fmt.Errorf("%w: deti tag has %d bytes, flags require %d", ErrMalformedFrame, len(value), expected)
	}

	if d.ATSTF {
		d.Timestamp = core.FrameTimestamp{
			Present: true,
			UTCO:    value[off],
			Seconds: binary.BigEndian.Uint32(value[off+1 : off+5]),
			TSTA:    uint32(value[off+5])<<16 | uint32(value[off+6])<<8 | uint32(value[off+7]),
		}
		off += atstLen
	}
	if d.FICF {
		d.FIC = value[off : off+fic]
		off += fic
	}
	if d.RFUDF {
		d.RFUD = value[off : off+rfudLen]
	}
	return d, nil
}

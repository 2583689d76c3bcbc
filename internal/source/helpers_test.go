package source

import (
	"encoding/binary"
	"time"

	"firestige.xyz/edirelay/internal/core/encoder"
)

var ediEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// detiTag builds a deti tag carrying dlfc and the timestamp ts.
func detiTag(dlfc uint16, ts time.Time) []byte {
	v := make([]byte, 14)
	binary.BigEndian.PutUint16(v[0:2], 0x8000|(dlfc/250)<<8|dlfc%250)
	binary.BigEndian.PutUint32(v[2:6], 0xFF<<24|1<<22)

	d := ts.Sub(ediEpoch)
	secs := d / time.Second
	tsta := uint32((d - secs*time.Second) * 16384000 / time.Second)
	binary.BigEndian.PutUint32(v[7:11], uint32(secs))
	v[11] = byte(tsta >> 16)
	v[12] = byte(tsta >> 8)
	v[13] = byte(tsta)
	return encoder.BuildTag("deti", v)
}

func ediFrame(seq, dlfc uint16, ts time.Time) []byte {
	tp := encoder.BuildTag("*ptr", []byte{'D', 'E', 'T', 'I', 0, 0, 0, 0})
	tp = append(tp, detiTag(dlfc, ts)...)
	return encoder.BuildAF(seq, tp)
}

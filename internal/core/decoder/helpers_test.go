package decoder

import (
	"encoding/binary"
	"time"

	"firestige.xyz/edirelay/internal/core"
)

func tagItem(name string, value []byte) []byte {
	item := make([]byte, 8+len(value))
	copy(item[0:4], name)
	binary.BigEndian.PutUint32(item[4:8], uint32(len(value))*8)
	copy(item[8:], value)
	return item
}

// detiValue builds a deti tag value with ATST and no FIC.
func detiValue(dlfc uint16, seconds uint32, tsta uint32) []byte {
	v := make([]byte, 14)
	hdr := uint16(0x8000) | (dlfc/250)<<8 | dlfc%250
	binary.BigEndian.PutUint16(v[0:2], hdr)
	binary.BigEndian.PutUint32(v[2:6], 0xFF<<24|1<<22)
	v[6] = 37
	binary.BigEndian.PutUint32(v[7:11], seconds)
	v[11] = byte(tsta >> 16)
	v[12] = byte(tsta >> 8)
	v[13] = byte(tsta)
	return v
}

func tagPacket(dlfc uint16) []byte {
	var tp []byte
	tp = append(tp, tagItem("*ptr", []byte{'D', 'E', 'T', 'I', 0, 0, 0, 0})...)
	tp = append(tp, tagItem("deti", detiValue(dlfc, 800000000, 0x4000))...)
	tp = append(tp, tagItem("est\x01", []byte{0x04, 0x00, 0x30, 1, 2, 3, 4})...)
	return tp
}

func afPacket(seq uint16, tp []byte) []byte {
	pkt := make([]byte, AFHeaderLen+len(tp)+2)
	copy(pkt, "AF")
	binary.BigEndian.PutUint32(pkt[2:6], uint32(len(tp)))
	binary.BigEndian.PutUint16(pkt[6:8], seq)
	pkt[8] = 0x90
	pkt[9] = 'T'
	copy(pkt[AFHeaderLen:], tp)
	end := len(pkt) - 2
	binary.BigEndian.PutUint16(pkt[end:], CRC16(pkt[:end]))
	return pkt
}

// pftFragments splits af into count fragments without FEC.
func pftFragments(pseq uint16, af []byte, count int) [][]byte {
	size := (len(af) + count - 1) / count
	frags := make([][]byte, count)
	for i := range frags {
		lo := min(i*size, len(af))
		hi := min(lo+size, len(af))
		payload := af[lo:hi]

		hdr := make([]byte, 14)
		copy(hdr, "PF")
		binary.BigEndian.PutUint16(hdr[2:4], pseq)
		hdr[4], hdr[5], hdr[6] = 0, 0, byte(i)
		hdr[7], hdr[8], hdr[9] = 0, 0, byte(count)
		binary.BigEndian.PutUint16(hdr[10:12], uint16(len(payload)))
		binary.BigEndian.PutUint16(hdr[12:14], CRC16(hdr[:12]))
		frags[i] = append(hdr, payload...)
	}
	return frags
}

func raw(data []byte, at time.Time) core.RawPacket {
	return core.RawPacket{Data: data, SourceID: "test:9200", ReceivedAt: at}
}

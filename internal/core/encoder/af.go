// Package encoder builds EDI transport packets: AF packets around a tag
// packet and PFT fragments, optionally Reed-Solomon protected.
package encoder

import (
	"encoding/binary"

	"firestige.xyz/edirelay/internal/core/decoder"
)

// afAR is CF=1, MAJ=1, MIN=0.
const afAR = 0x90

// BuildAF wraps a tag packet into an AF packet with CRC.
func BuildAF(seq uint16, tagPacket []byte) []byte {
	pkt := make([]byte, decoder.AFHeaderLen+len(tagPacket)+2)
	pkt[0] = 'A'
	pkt[1] = 'F'
	binary.BigEndian.PutUint32(pkt[2:6], uint32(len(tagPacket)))
	binary.BigEndian.PutUint16(pkt[6:8], seq)
	pkt[8] = afAR
	pkt[9] = 'T'
	copy(pkt[decoder.AFHeaderLen:], tagPacket)

	end := len(pkt) - 2
	binary.BigEndian.PutUint16(pkt[end:], decoder.CRC16(pkt[:end]))
	return pkt
}

// BuildTag encodes one tag item.
func BuildTag(name string, value []byte) []byte {
	item := make([]byte, 8+len(value))
	copy(item[0:4], name)
	binary.BigEndian.PutUint32(item[4:8], uint32(len(value))*8)
	copy(item[8:], value)
	return item
}

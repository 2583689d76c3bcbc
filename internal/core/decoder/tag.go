// Package decoder turns EDI transport packets (AF packets and PFT
// fragments) into tag frames and dispatches the few tag fields the relay
// needs for buffering decisions.
package decoder

import (
	"encoding/binary"
	"fmt"
	"io"

	"firestige.xyz/edirelay/internal/core"
)

// Re-exported so callers can match decoder failures with errors.Is.
var (
	ErrMalformedFrame = core.ErrMalformedFrame
	ErrShortPacket    = core.ErrShortPacket
	ErrBadSync        = core.ErrBadSync
	ErrCRC            = core.ErrCRC
)

const tagHeaderLen = 8

// Tag names with a meaning to the decoder.
const (
	TagProtocol = "*ptr"
	TagPadding  = "*dmy"
	TagDETI     = "deti"
	streamTag   = "est"
)

// TagReader walks the tag items of a tag packet without copying.
type TagReader struct {
	buf []byte
	off int
}

// NewTagReader creates a reader over one tag packet.
func NewTagReader(buf []byte) *TagReader {
	return &TagReader{buf: buf}
}

// Next returns the next tag. It returns io.EOF once the buffer has been
// consumed exactly. The returned value aliases the packet.
func (r *TagReader) Next() (core.Tag, error) {
	remaining := len(r.buf) - r.off
	if remaining == 0 {
		return core.Tag{}, io.EOF
	}
	if remaining < tagHeaderLen {
		return core.Tag{}, fmt.Errorf("%w: %d bytes left for tag header at offset %d",
			ErrMalformedFrame, remaining, r.off)
	}

	hdr := r.buf[r.off : r.off+tagHeaderLen]
	name := string(hdr[:4])
	bits := binary.BigEndian.Uint32(hdr[4:8])
	if bits%8 != 0 {
		return core.Tag{}, fmt.Errorf("%w: tag %q length %d bits is not a whole number of bytes",
			ErrMalformedFrame, printableName(name), bits)
	}
	length := int(bits / 8)
	if length > remaining-tagHeaderLen {
		return core.Tag{}, fmt.Errorf("%w: tag %q declares %d bytes, %d available",
			ErrMalformedFrame, printableName(name), length, remaining-tagHeaderLen)
	}

	start := r.off + tagHeaderLen
	r.off = start + length
	return core.Tag{Name: name, Value: r.buf[start:r.off:r.off]}, nil
}

// DecodeTags splits a tag packet into its items, padding included.
func DecodeTags(buf []byte) ([]core.Tag, error) {
	r := NewTagReader(buf)
	tags := make([]core.Tag, 0, 8)
	for {
		t, err := r.Next()
		if err == io.EOF {
			return tags, nil
		}
		if err != nil {
			return nil, err
		}
		tags = append(tags, t)
	}
}

// printableName replaces the binary index byte of est<n> tags.
func printableName(name string) string {
	if len(name) == 4 && name[:3] == streamTag {
		return fmt.Sprintf("est%d", name[3])
	}
	return name
}

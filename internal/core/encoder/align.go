package encoder

import "firestige.xyz/edirelay/internal/core/decoder"

// AlignTagPacket appends a *dmy tag so the tag packet length becomes a
// multiple of alignment. The padding tag is at least its own 8 byte
// header, so a gap smaller than that is widened by one more alignment
// unit. An alignment below 8 disables padding.
func AlignTagPacket(tp []byte, alignment int) []byte {
	if alignment < 8 {
		return tp
	}
	rem := len(tp) % alignment
	if rem == 0 {
		return tp
	}
	pad := alignment - rem
	if pad < 8 {
		pad += alignment
	}
	out := make([]byte, 0, len(tp)+pad)
	out = append(out, tp...)
	return append(out, BuildTag(decoder.TagPadding, make([]byte, pad-8))...)
}

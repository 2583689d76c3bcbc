package encoder

import "firestige.xyz/edirelay/internal/core/decoder"

// RS(255,207) over GF(2^8) with field polynomial 0x11D. The generator
// polynomial has the roots α^0 .. α^47.

const gfPoly = 0x11D

var (
	gfExp, gfLog = gfTables()
	rsGen        = rsGenerator()
)

func gfTables() (exp [512]byte, log [256]byte) {
	x := 1
	for i := 0; i < 255; i++ {
		exp[i] = byte(x)
		log[x] = byte(i)
		x <<= 1
		if x&0x100 != 0 {
			x ^= gfPoly
		}
	}
	for i := 255; i < len(exp); i++ {
		exp[i] = exp[i-255]
	}
	return exp, log
}

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

// rsGenerator returns the generator polynomial, highest degree first.
func rsGenerator() []byte {
	g := []byte{1}
	for i := 0; i < decoder.RSParity; i++ {
		root := gfExp[i]
		next := make([]byte, len(g)+1)
		copy(next, g)
		for j := 1; j < len(next); j++ {
			next[j] ^= gfMul(root, g[j-1])
		}
		g = next
	}
	return g
}

// RSEncode returns data followed by its 48 parity bytes. data must hold
// at most 207 bytes.
func RSEncode(data []byte) []byte {
	out := make([]byte, len(data)+decoder.RSParity)
	copy(out, data)
	rem := out[len(data):]
	for _, d := range data {
		fb := d ^ rem[0]
		copy(rem, rem[1:])
		rem[len(rem)-1] = 0
		if fb != 0 {
			for j := range rem {
				rem[j] ^= gfMul(fb, rsGen[j+1])
			}
		}
	}
	return out
}

// RSValid reports whether word is a code word, i.e. all syndromes are zero.
func RSValid(word []byte) bool {
	for i := 0; i < decoder.RSParity; i++ {
		var s byte
		root := gfExp[i]
		for _, c := range word {
			s = gfMul(s, root) ^ c
		}
		if s != 0 {
			return false
		}
	}
	return true
}

package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAF(t *testing.T) {
	tp := tagPacket(7)
	af, err := ParseAF(afPacket(513, tp))
	require.NoError(t, err)
	assert.Equal(t, uint16(513), af.Seq)
	assert.True(t, af.CF)
	assert.Equal(t, uint8(1), af.Major)
	assert.Equal(t, uint8(0), af.Minor)
	assert.Equal(t, byte('T'), af.PT)
	assert.Equal(t, tp, af.Payload)
}

func TestParseAFErrors(t *testing.T) {
	good := afPacket(1, tagPacket(7))

	badCRC := append([]byte(nil), good...)
	badCRC[len(badCRC)-5] ^= 0xFF

	badSync := append([]byte(nil), good...)
	badSync[1] = 'X'

	badPT := afPacket(1, nil)
	badPT[9] = 'X'
	end := len(badPT) - 2
	crc := CRC16(badPT[:end])
	badPT[end], badPT[end+1] = byte(crc>>8), byte(crc)

	assert.ErrorIs(t, mustFail(ParseAF(good[:len(good)-1])), ErrShortPacket)
	assert.ErrorIs(t, mustFail(ParseAF(good[:5])), ErrShortPacket)
	assert.ErrorIs(t, mustFail(ParseAF(badCRC)), ErrCRC)
	assert.ErrorIs(t, mustFail(ParseAF(badSync)), ErrBadSync)
	assert.ErrorIs(t, mustFail(ParseAF(badPT)), ErrUnsupported)
}

func mustFail(_ AFPacket, err error) error {
	return err
}

func TestParseFragment(t *testing.T) {
	af := afPacket(9, tagPacket(7))
	frags := pftFragments(300, af, 3)

	f, err := ParseFragment(frags[2])
	require.NoError(t, err)
	assert.Equal(t, uint16(300), f.Pseq)
	assert.Equal(t, uint32(2), f.Findex)
	assert.Equal(t, uint32(3), f.Fcount)
	assert.False(t, f.FEC)
	assert.False(t, f.Addr)

	corrupt := append([]byte(nil), frags[0]...)
	corrupt[5] ^= 0x01
	_, err = ParseFragment(corrupt)
	assert.ErrorIs(t, err, ErrCRC)

	_, err = ParseFragment(frags[1][:len(frags[1])-1])
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestJoinFragmentsFECLayout(t *testing.T) {
	// two code words of k=4 data bytes, 1 byte of padding, 3 fragments
	k := 4
	n := k + RSParity
	stream := make([]byte, 2*n)
	for i := range stream {
		stream[i] = byte(i)
	}
	frags := make([][]byte, 3)
	for ix, b := range stream {
		frags[ix%3] = append(frags[ix%3], b)
	}

	out, err := joinFragments(frags, true, uint8(k), 1)
	require.NoError(t, err)
	want := append(append([]byte(nil), stream[0:k]...), stream[n:n+k-1]...)
	assert.Equal(t, want, out)

	_, err = joinFragments([][]byte{{1, 2, 3}}, true, uint8(k), 0)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

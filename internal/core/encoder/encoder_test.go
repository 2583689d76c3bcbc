package encoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/edirelay/internal/core/decoder"
)

func TestBuildAF(t *testing.T) {
	tp := BuildTag("abcd", []byte{1, 2, 3, 4})
	pkt := BuildAF(300, tp)

	af, err := decoder.ParseAF(pkt)
	require.NoError(t, err)
	assert.Equal(t, uint16(300), af.Seq)
	assert.True(t, af.CF)
	assert.Equal(t, uint8(1), af.Major)
	assert.Equal(t, uint8(0), af.Minor)
	assert.Equal(t, tp, af.Payload)
}

func TestAlignTagPacket(t *testing.T) {
	tests := []struct {
		name      string
		length    int
		alignment int
		want      int
	}{
		{"already aligned", 16, 8, 16},
		{"room for dmy", 20, 16, 32},
		{"gap smaller than header", 12, 8, 24},
		{"disabled", 13, 0, 13},
		{"alignment below header size", 13, 4, 13},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tp := BuildTag("abcd", make([]byte, tt.length-8))
			out := AlignTagPacket(tp, tt.alignment)
			assert.Len(t, out, tt.want)

			tags, err := decoder.DecodeTags(out)
			require.NoError(t, err)
			if tt.want != tt.length {
				require.Len(t, tags, 2)
				assert.Equal(t, decoder.TagPadding, tags[1].Name)
			}
		})
	}
}

func TestRSEncode(t *testing.T) {
	data := make([]byte, decoder.RSMaxK)
	for i := range data {
		data[i] = byte(i)
	}
	word := RSEncode(data)
	require.Len(t, word, 255)
	assert.Equal(t, data, word[:decoder.RSMaxK])
	assert.True(t, RSValid(word))

	word[10] ^= 0x01
	assert.False(t, RSValid(word))

	assert.True(t, RSValid(RSEncode(make([]byte, decoder.RSMaxK))))
}

func TestGeneratorIsMonic(t *testing.T) {
	require.Len(t, rsGen, decoder.RSParity+1)
	assert.Equal(t, byte(1), rsGen[0])
}

func TestFragmentSizes(t *testing.T) {
	af := make([]byte, 3001)
	frags := NewFragmenter(FragmenterConfig{MaxPayload: 1000}).Fragment(1, af)
	require.Len(t, frags, 4)
	for _, f := range frags {
		p, err := decoder.ParseFragment(f)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(p.Payload), 1000)
	}
}

func TestFECFragmentSizeFollowsRecoverableCount(t *testing.T) {
	// 2 code words, up to 3 lost fragments: 2*48/4 = 24 bytes per fragment
	af := make([]byte, 300)
	frags := NewFragmenter(FragmenterConfig{FEC: 3}).Fragment(1, af)
	for _, f := range frags {
		p, err := decoder.ParseFragment(f)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(p.Payload), 24)
		assert.Equal(t, uint8(2*decoder.RSMaxK-300), p.RSz)
	}
	assert.Len(t, frags, (2*255+23)/24)
}

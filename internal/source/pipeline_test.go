package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/encoder"
)

func TestPipelineDeliversFrames(t *testing.T) {
	src := NewSource("198.51.100.1", 9201, KindTCP, true)
	p := NewPipeline(src, Config{NominalOffset: 100 * time.Millisecond})

	var got []core.DecodedFrame
	p.SetHandlers(func(f core.DecodedFrame, s *Source) {
		assert.Same(t, src, s)
		got = append(got, f)
	}, nil)

	now := time.Now()
	ts := now.Add(2 * time.Second)
	p.Push(ediFrame(1, 1234, ts), now)

	require.Len(t, got, 1)
	assert.Equal(t, uint16(1234), got[0].DLFC)
	assert.Equal(t, "198.51.100.1:9201", got[0].Source)
	assert.True(t, got[0].Timestamp.Valid())
	assert.True(t, got[0].ReceivedAt.Equal(now))

	margin, ok := p.MarginMs()
	require.True(t, ok)
	assert.InDelta(t, 2100, margin, 1)
	assert.Equal(t, uint64(1), p.Stats().Frames)
}

func TestPipelineDiscardsFramesWithoutDETI(t *testing.T) {
	p := NewPipeline(NewSource("h", 1, KindUDP, true), Config{})
	called := false
	p.SetHandlers(func(core.DecodedFrame, *Source) { called = true }, nil)

	p.Push(encoder.BuildAF(1, encoder.BuildTag("*ptr", []byte("DETI\x00\x00\x00\x00"))), time.Now())
	assert.False(t, called)
	assert.Equal(t, uint64(1), p.Stats().Discarded)
}

func TestPipelineHealth(t *testing.T) {
	src := NewSource("h", 1, KindTCP, true)
	p := NewPipeline(src, Config{Staleness: time.Second})
	now := time.Now()

	p.Push(ediFrame(1, 1, now), now)
	assert.False(t, p.Healthy(now), "not connected")

	src.SetState(StateConnected)
	assert.True(t, p.Healthy(now.Add(500*time.Millisecond)))
	assert.False(t, p.Healthy(now.Add(2*time.Second)))

	_, ok := p.MarginMs()
	require.True(t, ok)
	p.Refresh(now.Add(2 * time.Second))
	_, ok = p.MarginMs()
	assert.False(t, ok, "a stale source loses its margin")
}

func TestPipelineFrameWithoutTimestampKeepsMargin(t *testing.T) {
	src := NewSource("h", 1, KindTCP, true)
	p := NewPipeline(src, Config{})
	now := time.Now()
	p.Push(ediFrame(1, 1, now.Add(time.Second)), now)
	before, ok := p.MarginMs()
	require.True(t, ok)

	deti := encoder.BuildTag("deti", []byte{0x00, 0x05, 0xFF, 0x40, 0, 0})
	p.Push(encoder.BuildAF(2, deti), now.Add(10*time.Millisecond))
	after, ok := p.MarginMs()
	require.True(t, ok)
	assert.Equal(t, before, after)
	assert.Equal(t, uint64(2), p.Stats().Frames)
}

func TestSourceID(t *testing.T) {
	assert.Equal(t, "[::1]:9000", NewSource("::1", 9000, KindTCP, true).ID())
	assert.Equal(t, "connecting", StateConnecting.String())
}

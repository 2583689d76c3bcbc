package udp

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/encoder"
	"firestige.xyz/edirelay/internal/source"
)

func frame(seq, dlfc uint16) []byte {
	deti := make([]byte, 6)
	binary.BigEndian.PutUint16(deti[0:2], (dlfc/250)<<8|dlfc%250)
	tp := encoder.BuildTag("*ptr", []byte("DETI\x00\x00\x00\x00"))
	tp = append(tp, encoder.BuildTag("deti", deti)...)
	return encoder.BuildAF(seq, tp)
}

func TestListenerReceivesPFT(t *testing.T) {
	src := source.NewSource("127.0.0.1", 0, source.KindUDP, true)
	l := NewListener(src, source.Config{PollInterval: 20 * time.Millisecond}, Options{})
	defer l.Close()

	var mu sync.Mutex
	var got []core.DecodedFrame
	l.SetHandlers(func(f core.DecodedFrame, _ *source.Source) {
		mu.Lock()
		got = append(got, f)
		mu.Unlock()
	}, nil)

	l.Tick(time.Now())
	require.NotNil(t, l.Addr())
	assert.Equal(t, source.StateConnecting, src.State())
	assert.GreaterOrEqual(t, l.Handle(), 0)

	sender, err := net.Dial("udp4", l.Addr().String())
	require.NoError(t, err)
	defer sender.Close()

	frag := encoder.NewFragmenter(encoder.FragmenterConfig{MaxPayload: 16})
	for _, f := range frag.Fragment(100, frame(1, 321)) {
		_, err := sender.Write(f)
		require.NoError(t, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.Receive(time.Now())
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, uint16(321), got[0].DLFC)
	assert.Equal(t, uint16(100), got[0].Seq.Pseq)
	assert.Equal(t, source.StateConnected, src.State())
}

func TestListenerRateLimit(t *testing.T) {
	src := source.NewSource("127.0.0.1", 0, source.KindUDP, true)
	l := NewListener(src, source.Config{PollInterval: 20 * time.Millisecond},
		Options{RateLimit: RateLimiterConfig{MaxPackets: 2, Window: time.Minute}})
	defer l.Close()

	frames := 0
	l.SetHandlers(func(core.DecodedFrame, *source.Source) { frames++ }, nil)
	l.Tick(time.Now())

	sender, err := net.Dial("udp4", l.Addr().String())
	require.NoError(t, err)
	defer sender.Close()
	for i := 0; i < 4; i++ {
		_, err := sender.Write(frame(uint16(i), uint16(i)))
		require.NoError(t, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && l.RateLimited() < 2 {
		l.Receive(time.Now())
	}
	assert.Equal(t, 2, frames)
	assert.Equal(t, int64(2), l.RateLimited())
}

func TestListenerDisable(t *testing.T) {
	src := source.NewSource("127.0.0.1", 0, source.KindUDP, true)
	l := NewListener(src, source.Config{}, Options{})
	lost := 0
	l.SetHandlers(nil, func(*source.Source) { lost++ })

	l.Tick(time.Now())
	require.NotNil(t, l.Addr())

	src.SetEnabled(false)
	l.Tick(time.Now())
	assert.Nil(t, l.Addr())
	assert.Equal(t, -1, l.Handle())
	assert.Equal(t, 1, lost)
	assert.Equal(t, source.StateDisconnected, src.State())
}

func TestListenerInvalidAddress(t *testing.T) {
	src := source.NewSource("not-an-ip", 9000, source.KindUDP, true)
	l := NewListener(src, source.Config{}, Options{})
	now := time.Now()
	l.Tick(now)
	assert.Nil(t, l.Addr())
	assert.Contains(t, src.LastError(), "invalid bind address")
}

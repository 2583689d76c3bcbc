package udp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/decoder"
	"firestige.xyz/edirelay/internal/core/encoder"
)

func listen(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readPacket(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()
	buf := make([]byte, 65536)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func testFrame(size int) core.DecodedFrame {
	tp := encoder.BuildTag("*ptr", []byte{'D', 'E', 'T', 'I', 0, 0, 0, 0})
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	tp = append(tp, encoder.BuildTag("est\x01", payload)...)
	return core.DecodedFrame{
		DLFC:      17,
		TagPacket: tp,
		Seq:       core.SeqInfo{SeqValid: true, Seq: 300, PseqValid: true, Pseq: 40},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Destinations: []Destination{{Dest: "127.0.0.1:9"}}, Format: "ts"})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Destinations: []Destination{{Dest: "127.0.0.1:9"}}, FEC: -1})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Destinations: []Destination{{Dest: "not an address"}}})
	assert.Error(t, err)
}

func TestSendAF(t *testing.T) {
	rx := listen(t)
	s, err := New(Config{
		Format:       FormatAF,
		Destinations: []Destination{{Dest: rx.LocalAddr().String(), TTL: 2}},
	})
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, Name, s.Name())

	frame := testFrame(100)
	require.NoError(t, s.Send(context.Background(), frame))

	pkt, err := decoder.ParseAF(readPacket(t, rx))
	require.NoError(t, err)
	assert.Equal(t, uint16(300), pkt.Seq)
	assert.Equal(t, 0, len(pkt.Payload)%DefaultAlignment)
	assert.Equal(t, frame.TagPacket, pkt.Payload[:len(frame.TagPacket)])
	assert.Equal(t, uint64(1), s.Packets())
}

func TestSendPFTReassembles(t *testing.T) {
	for _, fec := range []int{0, 2} {
		rx := listen(t)
		s, err := New(Config{
			Format:       FormatPFT,
			FEC:          fec,
			MaxPayload:   200,
			Destinations: []Destination{{Dest: rx.LocalAddr().String()}},
		})
		require.NoError(t, err)

		frame := testFrame(1500)
		require.NoError(t, s.Send(context.Background(), frame))

		r := decoder.NewReassembler(decoder.ReassemblerConfig{})
		var got core.TaggedFrame
		var done bool
		for !done {
			data := readPacket(t, rx)
			frag, err := decoder.ParseFragment(data)
			require.NoError(t, err)
			assert.Equal(t, uint16(40), frag.Pseq)
			assert.Equal(t, fec > 0, frag.FEC)
			got, done = r.PushPacket(core.RawPacket{Data: data, ReceivedAt: time.Now()})
		}
		assert.Equal(t, frame.TagPacket, got.TagPacket[:len(frame.TagPacket)], "fec=%d", fec)
		assert.Equal(t, uint16(300), got.Seq.Seq)
		assert.Greater(t, s.Packets(), uint64(1))
		require.NoError(t, s.Close())
	}
}

func TestSendMultipleDestinations(t *testing.T) {
	a, b := listen(t), listen(t)
	s, err := New(Config{
		Format: FormatAF,
		Destinations: []Destination{
			{Dest: a.LocalAddr().String()},
			{Dest: b.LocalAddr().String(), Source: "127.0.0.1:0"},
		},
	})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Send(context.Background(), testFrame(10)))
	pa, pb := readPacket(t, a), readPacket(t, b)
	assert.Equal(t, pa, pb)
}

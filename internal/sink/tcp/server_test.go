package tcp

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

func newServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(Config{Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func connect(t *testing.T, s *Server, want int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return s.Clients() == want }, time.Second, 5*time.Millisecond)
	return conn
}

func readAF(t *testing.T, conn net.Conn, framer *decoder.StreamFramer) decoder.AFPacket {
	t.Helper()
	buf := make([]byte, 4096)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if pkt, ok := framer.Next(); ok {
			af, err := decoder.ParseAF(pkt)
			require.NoError(t, err)
			return af
		}
		n, err := conn.Read(buf)
		require.NoError(t, err)
		framer.Write(buf[:n])
	}
}

func frame(seq uint16) core.DecodedFrame {
	return core.DecodedFrame{
		TagPacket: encoder.BuildTag("*ptr", []byte{'D', 'E', 'T', 'I', 0, 0, 0, 0}),
		Seq:       core.SeqInfo{SeqValid: true, Seq: seq},
	}
}

func TestNewRequiresListen(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestBroadcastToClients(t *testing.T) {
	s := newServer(t)
	assert.Equal(t, Name, s.Name())
	a := connect(t, s, 1)
	b := connect(t, s, 2)

	for seq := uint16(10); seq < 13; seq++ {
		require.NoError(t, s.Send(context.Background(), frame(seq)))
	}

	fa, fb := decoder.NewStreamFramer(), decoder.NewStreamFramer()
	for seq := uint16(10); seq < 13; seq++ {
		assert.Equal(t, seq, readAF(t, a, fa).Seq)
		assert.Equal(t, seq, readAF(t, b, fb).Seq)
	}
}

func TestDisconnectedClientIsRemoved(t *testing.T) {
	s := newServer(t)
	conn := connect(t, s, 1)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		_ = s.Send(context.Background(), frame(1))
		return s.Clients() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseDisconnectsClients(t *testing.T) {
	s, err := New(Config{Listen: "127.0.0.1:0"})
	require.NoError(t, err)
	conn := connect(t, s, 1)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err)
	assert.Equal(t, 0, s.Clients())
}

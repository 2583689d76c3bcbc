package pcap

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/encoder"
	"firestige.xyz/edirelay/internal/source"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x01, 0, 0x5e, 0, 0, 1}
	srcIP  = net.IPv4(10, 0, 0, 1)
	dstIP  = net.IPv4(239, 1, 2, 3)
)

func ediFrame(seq, dlfc uint16) []byte {
	deti := make([]byte, 6)
	binary.BigEndian.PutUint16(deti[0:2], (dlfc/250)<<8|dlfc%250)
	tp := encoder.BuildTag("*ptr", []byte("DETI\x00\x00\x00\x00"))
	tp = append(tp, encoder.BuildTag("deti", deti)...)
	return encoder.BuildAF(seq, tp)
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func udpPacket(t *testing.T, port uint16, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 16, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, eth, ip, udp, gopacket.Payload(payload))
}

// fragmentedUDP returns a UDP datagram split into two IPv4 fragments.
func fragmentedUDP(t *testing.T, port uint16, payload []byte) [][]byte {
	ip := &layers.IPv4{Version: 4, IHL: 5, TTL: 16, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	segment := serialize(t, udp, gopacket.Payload(payload))

	split := (len(segment) / 2) &^ 7
	var out [][]byte
	for i, part := range [][]byte{segment[:split], segment[split:]} {
		frag := &layers.IPv4{Version: 4, IHL: 5, TTL: 16, Id: 77, Protocol: layers.IPProtocolUDP, SrcIP: srcIP, DstIP: dstIP}
		if i == 0 {
			frag.Flags = layers.IPv4MoreFragments
		} else {
			frag.FragOffset = uint16(split / 8)
		}
		eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
		out = append(out, serialize(t, eth, frag, gopacket.Payload(part)))
	}
	return out
}

func writeCapture(t *testing.T, pkts [][]byte, start time.Time) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edi.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, p := range pkts {
		ci := gopacket.CaptureInfo{
			Timestamp:     start.Add(time.Duration(i) * 24 * time.Millisecond),
			CaptureLength: len(p),
			Length:        len(p),
		}
		require.NoError(t, w.WritePacket(ci, p))
	}
	return path
}

func TestReplay(t *testing.T) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	frag := encoder.NewFragmenter(encoder.FragmenterConfig{MaxPayload: 32})

	var pkts [][]byte
	for _, f := range frag.Fragment(1, ediFrame(1, 100)) {
		pkts = append(pkts, udpPacket(t, 12000, f))
	}
	pkts = append(pkts, udpPacket(t, 12001, ediFrame(2, 999)))          // other port
	pkts = append(pkts, fragmentedUDP(t, 12000, ediFrame(3, 101))...)   // IPv4 fragments
	pkts = append(pkts, udpPacket(t, 12000, ediFrame(4, 102)))

	path := writeCapture(t, pkts, start)

	var got []core.DecodedFrame
	r := NewReplayer(source.Config{}, Options{Path: path, Port: 12000})
	stats, err := r.Run(context.Background(), func(f core.DecodedFrame, _ *source.Source) {
		got = append(got, f)
	})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, uint16(100), got[0].DLFC)
	assert.Equal(t, uint16(101), got[1].DLFC)
	assert.Equal(t, uint16(102), got[2].DLFC)
	assert.Equal(t, uint64(len(pkts)), stats.Packets)
	assert.Equal(t, uint64(1), stats.Fragments)
	assert.Equal(t, uint64(1), stats.Skipped)
	assert.Equal(t, uint64(3), stats.Frames)
	assert.True(t, stats.LastFrame.After(stats.FirstFrame))
	assert.True(t, got[0].ReceivedAt.After(start))
}

func TestReplayMissingFile(t *testing.T) {
	r := NewReplayer(source.Config{}, Options{Path: filepath.Join(t.TempDir(), "none.pcap")})
	_, err := r.Run(context.Background(), nil)
	assert.Error(t, err)
}

func TestReplayCancelled(t *testing.T) {
	path := writeCapture(t, [][]byte{udpPacket(t, 1, ediFrame(1, 1))}, time.Now())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewReplayer(source.Config{}, Options{Path: path}).Run(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

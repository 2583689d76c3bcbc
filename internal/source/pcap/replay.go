// Package pcap replays EDI carried over UDP from a capture file.
package pcap

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/source"
)

const pcapngMagic = 0x0A0D0D0A

// Options select the traffic to replay.
type Options struct {
	Path string
	Port int // UDP destination port, 0 for any
}

// Stats summarises one replay.
type Stats struct {
	Packets    uint64 // records read from the file
	Datagrams  uint64 // UDP datagrams fed to the reassembler
	Fragments  uint64 // IPv4 fragments held for reassembly
	Skipped    uint64 // records that are not matching UDP
	Frames     uint64
	FirstFrame time.Time
	LastFrame  time.Time
}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Replayer feeds the UDP payloads of a capture through a source pipeline,
// using the capture timestamps as arrival times.
type Replayer struct {
	opts     Options
	pipeline *source.Pipeline
	defrag   *ip4defrag.IPv4Defragmenter
	log      log.Logger
}

// NewReplayer creates a replayer for opts.Path.
func NewReplayer(cfg source.Config, opts Options) *Replayer {
	src := source.NewSource(filepath.Base(opts.Path), opts.Port, source.KindUDP, true)
	return &Replayer{
		opts:     opts,
		pipeline: source.NewPipeline(src, cfg),
		defrag:   ip4defrag.NewIPv4Defragmenter(),
		log:      log.GetLogger().WithField("file", opts.Path),
	}
}

// Run reads the whole capture and calls onFrame for every decoded frame.
func (r *Replayer) Run(ctx context.Context, onFrame source.FrameHandler) (Stats, error) {
	var stats Stats
	f, err := os.Open(r.opts.Path)
	if err != nil {
		return stats, fmt.Errorf("failed to open capture %s: %w", r.opts.Path, err)
	}
	defer f.Close()

	reader, err := newReader(bufio.NewReader(f))
	if err != nil {
		return stats, fmt.Errorf("failed to read capture %s: %w", r.opts.Path, err)
	}

	r.pipeline.SetHandlers(func(frame core.DecodedFrame, src *source.Source) {
		stats.Frames++
		if stats.FirstFrame.IsZero() {
			stats.FirstFrame = frame.ReceivedAt
		}
		stats.LastFrame = frame.ReceivedAt
		if onFrame != nil {
			onFrame(frame, src)
		}
	}, nil)

	linkType := reader.LinkType()
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet %d: %w", stats.Packets+1, err)
		}
		stats.Packets++

		payload, status := r.udpPayload(data, linkType, ci.Timestamp)
		switch status {
		case statusFragment:
			stats.Fragments++
		case statusSkip:
			stats.Skipped++
		case statusOK:
			stats.Datagrams++
			r.pipeline.Push(payload, ci.Timestamp)
		}
	}

	r.log.WithFields(map[string]interface{}{
		"packets":   stats.Packets,
		"datagrams": stats.Datagrams,
		"frames":    stats.Frames,
	}).Info("replay finished")
	return stats, nil
}

// Pipeline exposes the reassembly counters of the replay.
func (r *Replayer) Pipeline() *source.Pipeline {
	return r.pipeline
}

type payloadStatus int

const (
	statusSkip payloadStatus = iota
	statusFragment
	statusOK
)

func (r *Replayer) udpPayload(data []byte, linkType layers.LinkType, ts time.Time) ([]byte, payloadStatus) {
	pkt := gopacket.NewPacket(data, linkType, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ipLayer := pkt.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		return nil, statusSkip
	}
	ip4, ok := ipLayer.(*layers.IPv4)
	if !ok {
		return nil, statusSkip
	}

	full, err := r.defrag.DefragIPv4WithTimestamp(ip4, ts)
	if err != nil {
		r.log.WithError(err).Debug("dropping IPv4 fragment")
		return nil, statusSkip
	}
	if full == nil {
		return nil, statusFragment
	}
	if full.Protocol != layers.IPProtocolUDP {
		return nil, statusSkip
	}

	var udp layers.UDP
	if err := udp.DecodeFromBytes(full.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, statusSkip
	}
	if r.opts.Port != 0 && int(udp.DstPort) != r.opts.Port {
		return nil, statusSkip
	}
	return append([]byte(nil), udp.Payload...), statusOK
}

// newReader picks the pcap or pcapng reader by the file magic.
func newReader(br *bufio.Reader) (packetReader, error) {
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(magic) == pcapngMagic {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

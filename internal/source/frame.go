package source

import (
	"time"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/decoder"
	"firestige.xyz/edirelay/internal/log"
)

// FrameBuilder extracts the frame counter and timestamp of tag frames.
type FrameBuilder struct {
	log      log.Logger
	protocol decoder.ProtocolInfo
}

// NewFrameBuilder creates a builder logging to l.
func NewFrameBuilder(l log.Logger) *FrameBuilder {
	return &FrameBuilder{log: l}
}

// Build returns the decoded frame, or false when the frame carries no
// usable deti tag.
func (b *FrameBuilder) Build(tagged core.TaggedFrame, src string, receivedAt time.Time) (core.DecodedFrame, bool) {
	frame := core.DecodedFrame{
		TagPacket:  tagged.TagPacket,
		ReceivedAt: receivedAt,
		Seq:        tagged.Seq,
		Source:     src,
	}
	var characterised bool

	decoder.Inspect(&tagged, func(e decoder.Event) {
		switch ev := e.(type) {
		case decoder.ProtocolInfo:
			if ev != b.protocol {
				if ev.Protocol != decoder.ProtocolDETI {
					b.log.WithField("protocol", ev.Protocol).Warn("unexpected EDI protocol")
				} else {
					b.log.Debugf("EDI protocol %s %d.%d", ev.Protocol, ev.Major, ev.Minor)
				}
				b.protocol = ev
			}
		case decoder.FrameCharacteristics:
			frame.DLFC = ev.DLFC
			frame.Timestamp = ev.Timestamp
			characterised = true
		case decoder.MalformedTag:
			b.log.WithError(ev.Err).WithField("tag", ev.Name).Debug("malformed tag")
		}
	})
	return frame, characterised
}

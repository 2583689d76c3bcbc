package decoder

import (
	"fmt"

	"firestige.xyz/edirelay/internal/core"
)

// Event is one item emitted by Inspect. The concrete types are
// ProtocolInfo, FrameCharacteristics, StreamTag, MalformedTag and
// CompletedFrame.
type Event interface {
	event()
}

// ProtocolInfo comes from the *ptr tag.
type ProtocolInfo struct {
	Protocol string
	Major    uint16
	Minor    uint16
}

// FrameCharacteristics comes from the deti tag.
type FrameCharacteristics struct {
	DLFC      uint16
	Timestamp core.FrameTimestamp
	DETI      DETI
}

// StreamTag comes from an est<n> tag.
type StreamTag struct {
	Index uint8
	SCID  uint8
	SAD   uint16
	TPL   uint8
	MST   []byte
}

// MalformedTag reports a known tag whose value could not be parsed. The
// rest of the frame is still inspected.
type MalformedTag struct {
	Name string
	Err  error
}

// CompletedFrame is always the last event of a frame.
type CompletedFrame struct {
	Tags int
	Size int
}

func (ProtocolInfo) event()         {}
func (FrameCharacteristics) event() {}
func (StreamTag) event()            {}
func (MalformedTag) event()         {}
func (CompletedFrame) event()       {}

// ProtocolDETI is the protocol name carried by *ptr in ETI streams.
const ProtocolDETI = "DETI"

// Inspect emits the events of one frame in tag order. Padding and
// unknown tags produce no event.
func Inspect(frame *core.TaggedFrame, emit func(Event)) {
	for _, t := range frame.Tags {
		switch {
		case t.Name == TagProtocol:
			if len(t.Value) < 8 {
				emit(MalformedTag{Name: t.Name, Err: fmt.Errorf("%w: *ptr has %d bytes", ErrMalformedFrame, len(t.Value))})
				continue
			}
			emit(ProtocolInfo{
				Protocol: string(t.Value[0:4]),
				Major:    uint16(t.Value[4])<<8 | uint16(t.Value[5]),
				Minor:    uint16(t.Value[6])<<8 | uint16(t.Value[7]),
			})
		case t.Name == TagDETI:
			d, err := ParseDETI(t.Value)
			if err != nil {
				emit(MalformedTag{Name: t.Name, Err: err})
				continue
			}
			emit(FrameCharacteristics{DLFC: d.DLFC(), Timestamp: d.Timestamp, DETI: d})
		case len(t.Name) == 4 && t.Name[:3] == streamTag:
			if len(t.Value) < 3 {
				emit(MalformedTag{Name: printableName(t.Name), Err: fmt.Errorf("%w: stream tag has %d bytes", ErrMalformedFrame, len(t.Value))})
				continue
			}
			sstc := uint32(t.Value[0])<<16 | uint32(t.Value[1])<<8 | uint32(t.Value[2])
			emit(StreamTag{
				Index: t.Name[3],
				SCID:  uint8(sstc >> 18),
				SAD:   uint16(sstc>>8) & 0x3FF,
				TPL:   uint8(sstc>>2) & 0x3F,
				MST:   t.Value[3:],
			})
		}
	}
	emit(CompletedFrame{Tags: len(frame.Tags), Size: len(frame.TagPacket)})
}

// Package core defines the frame types that flow through the relay, from
// reassembly through the relay buffer to the output sinks.
package core

import "time"

// RawPacket is one network packet as handed to the reassembler.
// Data must not be modified after the packet has been pushed.
type RawPacket struct {
	Data       []byte
	SourceID   string
	ReceivedAt time.Time
}

// Tag is one tag item of an EDI tag packet.
type Tag struct {
	Name  string
	Value []byte
}

// SeqInfo carries the AF and PFT sequence numbers a frame arrived with.
type SeqInfo struct {
	SeqValid  bool
	Seq       uint16
	PseqValid bool
	Pseq      uint16
}

// TaggedFrame is one fully reassembled AF packet split into its tags.
type TaggedFrame struct {
	Tags      []Tag
	TagPacket []byte // AF payload, tags included, relayed as-is
	Seq       SeqInfo
}

// Tag returns the first tag with the given name.
func (f *TaggedFrame) Tag(name string) (Tag, bool) {
	for _, t := range f.Tags {
		if t.Name == name {
			return t, true
		}
	}
	return Tag{}, false
}

// DecodedFrame is the unit handed from the sources to the relay buffer.
// It is passed by value and never mutated once built.
type DecodedFrame struct {
	DLFC       uint16
	TagPacket  []byte
	Timestamp  FrameTimestamp
	ReceivedAt time.Time
	Seq        SeqInfo
	Source     string
}

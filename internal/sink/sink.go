// Package sink contains the outputs released frames are written to and
// the AF encoding they share.
package sink

import (
	"context"
	"errors"
	"fmt"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/encoder"
)

// Sink is one output of the relay.
type Sink interface {
	Name() string
	Send(ctx context.Context, frame core.DecodedFrame) error
	Close() error
}

// Fanout sends every frame to all of its sinks.
type Fanout struct {
	sinks []Sink
}

// NewFanout creates a fanout over sinks.
func NewFanout(sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks}
}

// Send writes frame to every sink. A failing sink does not keep the frame
// from the others.
func (f *Fanout) Send(ctx context.Context, frame core.DecodedFrame) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Send(ctx, frame); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Names lists the sinks in order.
func (f *Fanout) Names() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Sequencer numbers outgoing AF and PFT packets. Sequence numbers of the
// source are carried over when the frame has them so that several relays
// fed by the same source emit identical sequences.
type Sequencer struct {
	seq  uint16
	pseq uint16
}

// Next returns the AF SEQ and PFT PSEQ for a frame that arrived with info.
func (s *Sequencer) Next(info core.SeqInfo) (seq, pseq uint16) {
	if info.SeqValid {
		s.seq = info.Seq
	}
	switch {
	case info.PseqValid:
		s.pseq = info.Pseq
	case info.SeqValid:
		s.pseq = info.Seq
	}
	seq, pseq = s.seq, s.pseq
	s.seq++
	s.pseq++
	return seq, pseq
}

// Encoder turns frames into AF packets. It is not safe for concurrent use.
type Encoder struct {
	alignment int
	seq       Sequencer
}

// NewEncoder creates an encoder padding tag packets to alignment bytes.
func NewEncoder(alignment int) *Encoder {
	return &Encoder{alignment: alignment}
}

// Encode returns the AF packet of frame and the PSEQ to fragment it with.
func (e *Encoder) Encode(frame core.DecodedFrame) (af []byte, pseq uint16) {
	seq, pseq := e.seq.Next(frame.Seq)
	tp := encoder.AlignTagPacket(frame.TagPacket, e.alignment)
	return encoder.BuildAF(seq, tp), pseq
}

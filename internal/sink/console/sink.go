// Package console implements a debug output that prints one line per
// released frame.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/decoder"
)

const Name = "console"

// Formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

type Sink struct {
	format string
	mu     sync.Mutex
	out    io.Writer
	count  atomic.Uint64
}

// NewSink creates a sink writing to out, or stdout when out is nil.
func NewSink(format string, out io.Writer) (*Sink, error) {
	switch format {
	case "":
		format = FormatText
	case FormatText, FormatJSON:
	default:
		return nil, fmt.Errorf("invalid format %q, must be json or text", format)
	}
	if out == nil {
		out = os.Stdout
	}
	return &Sink{format: format, out: out}, nil
}

func (s *Sink) Name() string {
	return Name
}

type line struct {
	DLFC      uint16   `json:"dlfc"`
	Source    string   `json:"source,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
	Received  string   `json:"received"`
	Seq       *uint16  `json:"seq,omitempty"`
	Pseq      *uint16  `json:"pseq,omitempty"`
	Size      int      `json:"size"`
	Tags      []string `json:"tags"`
}

func (s *Sink) Send(_ context.Context, frame core.DecodedFrame) error {
	s.count.Add(1)

	l := line{
		DLFC:     frame.DLFC,
		Source:   frame.Source,
		Received: frame.ReceivedAt.Format("15:04:05.000"),
		Size:     len(frame.TagPacket),
	}
	if frame.Timestamp.Valid() {
		l.Timestamp = frame.Timestamp.Time().Format(time.RFC3339Nano)
	}
	if frame.Seq.SeqValid {
		l.Seq = &frame.Seq.Seq
	}
	if frame.Seq.PseqValid {
		l.Pseq = &frame.Seq.Pseq
	}
	r := decoder.NewTagReader(frame.TagPacket)
	for {
		tag, err := r.Next()
		if err != nil {
			break
		}
		if tag.Name != decoder.TagPadding {
			l.Tags = append(l.Tags, printable(tag.Name))
		}
	}

	var out string
	if s.format == FormatJSON {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("json marshal failed: %w", err)
		}
		out = string(data)
	} else {
		out = text(l)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.out, out)
	return err
}

func text(l line) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] dlfc=%d", l.Received, l.DLFC)
	if l.Source != "" {
		fmt.Fprintf(&b, " source=%s", l.Source)
	}
	if l.Timestamp != "" {
		fmt.Fprintf(&b, " ts=%s", l.Timestamp)
	}
	if l.Seq != nil {
		fmt.Fprintf(&b, " seq=%d", *l.Seq)
	}
	if l.Pseq != nil {
		fmt.Fprintf(&b, " pseq=%d", *l.Pseq)
	}
	fmt.Fprintf(&b, " size=%d tags=%s", l.Size, strings.Join(l.Tags, ","))
	return b.String()
}

// printable renders the stream index of est<n> tags.
func printable(name string) string {
	if len(name) == 4 && strings.HasPrefix(name, "est") {
		return fmt.Sprintf("est%d", name[3])
	}
	return name
}

// Count returns the number of frames printed.
func (s *Sink) Count() uint64 {
	return s.count.Load()
}

func (s *Sink) Close() error {
	return nil
}

package decoder

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/metrics"
)

// Reassembly defaults.
const (
	DefaultMaxDelay    = 10
	DefaultFramePeriod = 24 * time.Millisecond

	// closedTTLFactor sets how many budgets a closed sequence is remembered.
	closedTTLFactor = 16
)

// Reassembly outcomes, used as metric labels.
const (
	outcomeCompleted = "completed"
	outcomeAbandoned = "abandoned"
	outcomeStale     = "stale"
	outcomeDuplicate = "duplicate"
	outcomeClosed    = "closed"
	outcomeMalformed = "malformed"
)

// ReassemblerConfig contains configuration for PFT reassembly.
type ReassemblerConfig struct {
	MaxDelay    int           // Deadline in frames for one sequence (default 10)
	FramePeriod time.Duration // Duration of one frame (default 24ms)
	Source      string        // Source label for logs and metrics
}

// ReassemblerStats is a snapshot of the reassembler counters.
type ReassemblerStats struct {
	Completed uint64
	Abandoned uint64
	Stale     uint64
	Duplicate uint64
	Closed    uint64
	Malformed uint64
}

type reassemblerCounters struct {
	completed, abandoned, stale, duplicate, closed, malformed atomic.Uint64
}

// sequenceState collects the fragments of the one open PFT sequence.
type sequenceState struct {
	pseq      uint16
	fcount    uint32
	fec       bool
	rsk, rsz  uint8
	fragments map[uint32][]byte
	firstSeen time.Time
}

func newSequenceState(f Fragment, now time.Time) *sequenceState {
	return &sequenceState{
		pseq:      f.Pseq,
		fcount:    f.Fcount,
		fec:       f.FEC,
		rsk:       f.RSk,
		rsz:       f.RSz,
		fragments: make(map[uint32][]byte, f.Fcount),
		firstSeen: now,
	}
}

func (s *sequenceState) matches(f Fragment) bool {
	if f.Fcount != s.fcount || f.FEC != s.fec {
		return false
	}
	return !s.fec || (f.RSk == s.rsk && f.RSz == s.rsz)
}

// Reassembler turns AF packets and PFT fragments into tag frames. It is
// owned by one goroutine; only Stats may be called from elsewhere.
type Reassembler struct {
	config ReassemblerConfig
	budget time.Duration
	ttl    time.Duration

	open   *sequenceState
	closed *cache.Cache // "pf:<pseq>" and "af:<seq>" → time the sequence was closed

	counters reassemblerCounters
	log      log.Logger
}

// NewReassembler creates a reassembler.
func NewReassembler(cfg ReassemblerConfig) *Reassembler {
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.FramePeriod <= 0 {
		cfg.FramePeriod = DefaultFramePeriod
	}
	budget := time.Duration(cfg.MaxDelay) * cfg.FramePeriod
	ttl := closedTTLFactor * budget

	return &Reassembler{
		config: cfg,
		budget: budget,
		ttl:    ttl,
		closed: cache.New(ttl, 4*ttl),
		log:    log.GetLogger().WithField("source", cfg.Source),
	}
}

// Budget returns the age after which an open sequence is abandoned.
func (r *Reassembler) Budget() time.Duration {
	return r.budget
}

// PushPacket feeds one AF packet or PFT fragment. It returns a frame when
// the packet completed one. Failures are counted, never returned.
func (r *Reassembler) PushPacket(raw core.RawPacket) (core.TaggedFrame, bool) {
	now := raw.ReceivedAt
	r.expire(now)

	data := raw.Data
	if len(data) < 2 {
		r.malformed(ErrShortPacket)
		return core.TaggedFrame{}, false
	}
	switch {
	case data[0] == afSync0 && data[1] == afSync1:
		return r.pushAF(data, now)
	case data[0] == pftSync0 && data[1] == pftSync1:
		return r.pushFragment(data, now)
	default:
		r.malformed(ErrBadSync)
		return core.TaggedFrame{}, false
	}
}

// Reset drops the open sequence and forgets closed ones.
func (r *Reassembler) Reset() {
	if r.open != nil {
		metrics.ReassemblyOpenSequences.Dec()
		r.open = nil
	}
	r.closed.Flush()
}

// Stats returns the current counters.
func (r *Reassembler) Stats() ReassemblerStats {
	c := &r.counters
	return ReassemblerStats{
		Completed: c.completed.Load(),
		Abandoned: c.abandoned.Load(),
		Stale:     c.stale.Load(),
		Duplicate: c.duplicate.Load(),
		Closed:    c.closed.Load(),
		Malformed: c.malformed.Load(),
	}
}

func (r *Reassembler) expire(now time.Time) {
	if r.open == nil {
		return
	}
	if age := now.Sub(r.open.firstSeen); age > r.budget {
		r.log.WithFields(map[string]interface{}{
			"pseq":      r.open.pseq,
			"fragments": len(r.open.fragments),
			"fcount":    r.open.fcount,
			"age":       age,
		}).Debug("abandoning expired PFT sequence")
		r.abandon(now)
	}
}

func (r *Reassembler) pushAF(data []byte, now time.Time) (core.TaggedFrame, bool) {
	af, err := ParseAF(data)
	if err != nil {
		r.malformed(err)
		return core.TaggedFrame{}, false
	}
	key := afKey(af.Seq)
	if r.isClosed(key, now) {
		r.count(outcomeDuplicate, &r.counters.duplicate)
		return core.TaggedFrame{}, false
	}
	r.closed.Set(key, now, r.ttl)

	return r.decode(af, core.SeqInfo{SeqValid: true, Seq: af.Seq})
}

func (r *Reassembler) pushFragment(data []byte, now time.Time) (core.TaggedFrame, bool) {
	f, err := ParseFragment(data)
	if err != nil {
		r.malformed(err)
		return core.TaggedFrame{}, false
	}
	if r.isClosed(pftKey(f.Pseq), now) {
		r.count(outcomeClosed, &r.counters.closed)
		return core.TaggedFrame{}, false
	}

	if r.open != nil && r.open.pseq != f.Pseq {
		if int16(f.Pseq-r.open.pseq) < 0 {
			r.count(outcomeStale, &r.counters.stale)
			return core.TaggedFrame{}, false
		}
		r.log.WithFields(map[string]interface{}{
			"pseq":      r.open.pseq,
			"next_pseq": f.Pseq,
			"fragments": len(r.open.fragments),
			"fcount":    r.open.fcount,
		}).Debug("abandoning incomplete PFT sequence")
		r.abandon(now)
	}
	if r.open == nil {
		r.open = newSequenceState(f, now)
		metrics.ReassemblyOpenSequences.Inc()
	}

	s := r.open
	if !s.matches(f) {
		r.malformed(ErrMalformedFrame)
		return core.TaggedFrame{}, false
	}
	if _, dup := s.fragments[f.Findex]; dup {
		r.count(outcomeDuplicate, &r.counters.duplicate)
		return core.TaggedFrame{}, false
	}
	s.fragments[f.Findex] = f.Payload
	if uint32(len(s.fragments)) < s.fcount {
		return core.TaggedFrame{}, false
	}

	r.close(now)
	payloads := make([][]byte, s.fcount)
	for i := range payloads {
		payloads[i] = s.fragments[uint32(i)]
	}
	buf, err := joinFragments(payloads, s.fec, s.rsk, s.rsz)
	if err != nil {
		r.malformed(err)
		return core.TaggedFrame{}, false
	}
	af, err := ParseAF(buf)
	if err != nil {
		r.malformed(err)
		return core.TaggedFrame{}, false
	}
	return r.decode(af, core.SeqInfo{SeqValid: true, Seq: af.Seq, PseqValid: true, Pseq: s.pseq})
}

func (r *Reassembler) decode(af AFPacket, seq core.SeqInfo) (core.TaggedFrame, bool) {
	tags, err := DecodeTags(af.Payload)
	if err != nil {
		r.malformed(err)
		return core.TaggedFrame{}, false
	}
	r.count(outcomeCompleted, &r.counters.completed)
	return core.TaggedFrame{Tags: tags, TagPacket: af.Payload, Seq: seq}, true
}

// close marks the open sequence as done.
func (r *Reassembler) close(now time.Time) {
	r.closed.Set(pftKey(r.open.pseq), now, r.ttl)
	r.open = nil
	metrics.ReassemblyOpenSequences.Dec()
}

func (r *Reassembler) abandon(now time.Time) {
	r.close(now)
	r.count(outcomeAbandoned, &r.counters.abandoned)
}

// isClosed checks against the packet clock so replayed captures behave
// like live input.
func (r *Reassembler) isClosed(key string, now time.Time) bool {
	v, ok := r.closed.Get(key)
	if !ok {
		return false
	}
	return now.Sub(v.(time.Time)) < r.ttl
}

func (r *Reassembler) malformed(err error) {
	r.count(outcomeMalformed, &r.counters.malformed)
	if r.log.IsTraceEnabled() {
		r.log.WithError(err).Trace("discarding malformed packet")
	}
}

func (r *Reassembler) count(outcome string, c *atomic.Uint64) {
	c.Add(1)
	metrics.ReassemblyTotal.WithLabelValues(r.config.Source, outcome).Inc()
}

func pftKey(pseq uint16) string {
	return "pf:" + strconv.Itoa(int(pseq))
}

func afKey(seq uint16) string {
	return "af:" + strconv.Itoa(int(seq))
}

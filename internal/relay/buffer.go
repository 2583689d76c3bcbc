// Package relay implements the timed relay buffer. Frames are queued in
// arrival order and released by a single dispatch goroutine a fixed delay
// after they were received, unless they are late or output is inhibited.
package relay

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/metrics"
)

// Sender transmits released frames downstream.
type Sender interface {
	Send(ctx context.Context, frame core.DecodedFrame) error
}

// SummaryObserver receives the statistics of every stats window.
type SummaryObserver func(Summary)

// StatObserver receives the outcome of every dispatched frame.
type StatObserver func(frame core.DecodedFrame, stat core.BufferingStat)

// Config configures a Buffer.
type Config struct {
	Settings   Settings
	MaxPending int
	StatsEvery int
}

// Counters is a snapshot of the buffer outcomes since creation.
type Counters struct {
	Pushed     uint64 `json:"pushed"`
	Sent       uint64 `json:"sent"`
	Late       uint64 `json:"late"`
	Dropped    uint64 `json:"dropped"`
	Inhibited  uint64 `json:"inhibited"`
	Overflow   uint64 `json:"overflow"`
	SendErrors uint64 `json:"send_errors"`
}

const noInhibit = math.MinInt64

// Buffer is the timed relay buffer. Push and InhibitUntil are safe from
// any goroutine.
type Buffer struct {
	sender     Sender
	maxPending int
	statsEvery int
	log        log.Logger

	settings atomic.Pointer[Settings]
	// inhibit deadline as an offset from epoch, noInhibit when unset
	epoch        time.Time
	inhibitUntil atomic.Int64

	mu      sync.Mutex
	queue   []core.DecodedFrame
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	notify chan struct{}
	wake   chan struct{}

	obsMu     sync.RWMutex
	onSummary []SummaryObserver
	onStat    []StatObserver

	// owned by the dispatch goroutine
	window statsWindow

	pushed     atomic.Uint64
	sent       atomic.Uint64
	late       atomic.Uint64
	dropped    atomic.Uint64
	inhibited  atomic.Uint64
	overflow   atomic.Uint64
	sendErrors atomic.Uint64
}

// New creates a stopped buffer releasing frames to sender.
func New(sender Sender, cfg Config) (*Buffer, error) {
	if sender == nil {
		return nil, fmt.Errorf("%w: relay buffer needs a sender", core.ErrConfigInvalid)
	}
	if cfg.Settings.Anchor == "" {
		cfg.Settings.Anchor = AnchorReceived
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.StatsEvery <= 0 {
		cfg.StatsEvery = DefaultStatsEvery
	}

	b := &Buffer{
		sender:     sender,
		maxPending: cfg.MaxPending,
		statsEvery: cfg.StatsEvery,
		log:        log.GetLogger().WithField("component", "relay"),
		epoch:      time.Now(),
		notify:     make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
	}
	s := cfg.Settings
	b.settings.Store(&s)
	b.inhibitUntil.Store(noInhibit)
	return b, nil
}

// OnSummary registers an observer for window summaries.
func (b *Buffer) OnSummary(fn SummaryObserver) {
	b.obsMu.Lock()
	b.onSummary = append(b.onSummary, fn)
	b.obsMu.Unlock()
}

// OnStat registers an observer for per-frame stats.
func (b *Buffer) OnStat(fn StatObserver) {
	b.obsMu.Lock()
	b.onStat = append(b.onStat, fn)
	b.obsMu.Unlock()
}

// Start launches the dispatch goroutine. It runs until ctx is done or Stop
// is called.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return core.ErrRelayStopped
	}
	if b.running {
		return fmt.Errorf("relay buffer already started")
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.running = true

	b.wg.Add(1)
	go b.run(ctx)

	s := b.Settings()
	b.log.WithFields(map[string]interface{}{
		"delay":      s.Delay,
		"drop_late":  s.DropLate,
		"drop_delay": s.DropDelay,
		"anchor":     string(s.Anchor),
	}).Info("relay buffer started")
	return nil
}

// Stop wakes the dispatcher, waits for it to exit and discards every
// pending frame. No frame is sent after Stop returns.
func (b *Buffer) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	cancel := b.cancel
	discarded := len(b.queue)
	b.queue = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	metrics.RelayQueueDepth.Set(0)
	b.log.WithField("discarded", discarded).Info("relay buffer stopped")
}

// Push enqueues frame without blocking. When the queue is full the oldest
// pending frame is dropped.
func (b *Buffer) Push(frame core.DecodedFrame) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return core.ErrRelayStopped
	}
	if len(b.queue) >= b.maxPending {
		b.queue[0] = core.DecodedFrame{}
		b.queue = b.queue[1:]
		b.overflow.Add(1)
		metrics.RelayFramesTotal.WithLabelValues("overflow").Inc()
	}
	b.queue = append(b.queue, frame)
	depth := len(b.queue)
	b.mu.Unlock()

	b.pushed.Add(1)
	metrics.RelayQueueDepth.Set(float64(depth))
	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued frames.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// InhibitUntil suppresses output until t. A t in the past lifts the
// inhibition.
func (b *Buffer) InhibitUntil(t time.Time) {
	b.inhibitUntil.Store(int64(t.Sub(b.epoch)))
	metrics.RelayInhibitedUntil.Set(float64(t.UnixMilli()) / 1000)
	select {
	case b.wake <- struct{}{}:
	default:
	}
	b.log.WithField("until", t.Format(time.RFC3339Nano)).Info("output inhibited")
}

// InhibitedUntil returns the inhibition deadline, if one was ever set.
func (b *Buffer) InhibitedUntil() (time.Time, bool) {
	d := b.inhibitUntil.Load()
	if d == noInhibit {
		return time.Time{}, false
	}
	return b.epoch.Add(time.Duration(d)), true
}

func (b *Buffer) inhibitedAt(t time.Time) bool {
	d := b.inhibitUntil.Load()
	return d != noInhibit && int64(t.Sub(b.epoch)) < d
}

// Settings returns the current timing settings.
func (b *Buffer) Settings() Settings {
	return *b.settings.Load()
}

// SetSettings replaces the timing settings. Frames already waiting keep
// the release time computed when they were dequeued.
func (b *Buffer) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	b.settings.Store(&s)
	return nil
}

// Update applies fn to a copy of the settings and stores the result if it
// is valid.
func (b *Buffer) Update(fn func(*Settings)) error {
	for {
		old := b.settings.Load()
		s := *old
		fn(&s)
		if err := s.Validate(); err != nil {
			return err
		}
		if b.settings.CompareAndSwap(old, &s) {
			return nil
		}
	}
}

// Counters returns the outcome counters.
func (b *Buffer) Counters() Counters {
	return Counters{
		Pushed:     b.pushed.Load(),
		Sent:       b.sent.Load(),
		Late:       b.late.Load(),
		Dropped:    b.dropped.Load(),
		Inhibited:  b.inhibited.Load(),
		Overflow:   b.overflow.Load(),
		SendErrors: b.sendErrors.Load(),
	}
}

func (b *Buffer) pop() (core.DecodedFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return core.DecodedFrame{}, false
	}
	frame := b.queue[0]
	b.queue[0] = core.DecodedFrame{}
	b.queue = b.queue[1:]
	metrics.RelayQueueDepth.Set(float64(len(b.queue)))
	return frame, true
}

func (b *Buffer) run(ctx context.Context) {
	defer b.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		frame, ok := b.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.notify:
			case <-b.wake:
			}
			continue
		}
		if !b.dispatch(ctx, timer, frame) {
			return
		}
	}
}

// dispatch releases or drops one frame. It returns false when the buffer
// was stopped while the frame was waiting.
func (b *Buffer) dispatch(ctx context.Context, timer *time.Timer, frame core.DecodedFrame) bool {
	s := b.Settings()
	anchor := s.anchor(frame)
	target := anchor.Add(s.Delay)
	now := time.Now()

	if b.inhibitedAt(later(now, target)) {
		b.record(frame, now, core.BufferingStat{Inhibited: true})
		return true
	}
	if s.DropLate && now.Sub(anchor) > s.Delay+s.DropDelay {
		b.record(frame, now, core.BufferingStat{Late: true, Dropped: true})
		return true
	}
	late := now.After(target)

	for {
		wait := time.Until(target)
		if wait <= 0 {
			break
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-b.wake:
			timer.Stop()
			if b.inhibitedAt(target) {
				b.record(frame, time.Now(), core.BufferingStat{Inhibited: true})
				return true
			}
		case <-timer.C:
		}
	}

	sendAt := time.Now()
	if b.inhibitedAt(sendAt) {
		b.record(frame, sendAt, core.BufferingStat{Inhibited: true})
		return true
	}
	if ctx.Err() != nil {
		return false
	}

	if err := b.sender.Send(ctx, frame); err != nil {
		b.sendErrors.Add(1)
		metrics.RelayFramesTotal.WithLabelValues("send_error").Inc()
		b.log.WithError(err).WithField("dlfc", frame.DLFC).Warn("failed to send frame")
	} else {
		b.sent.Add(1)
	}
	b.record(frame, sendAt, core.BufferingStat{Late: late})
	return true
}

func (b *Buffer) record(frame core.DecodedFrame, at time.Time, stat core.BufferingStat) {
	stat.BufferingTime = at.Sub(frame.ReceivedAt)

	outcome := "sent"
	switch {
	case stat.Inhibited:
		outcome = "inhibited"
		b.inhibited.Add(1)
	case stat.Dropped:
		outcome = "dropped"
		b.dropped.Add(1)
		b.late.Add(1)
	case stat.Late:
		outcome = "late"
		b.late.Add(1)
	}
	metrics.RelayFramesTotal.WithLabelValues(outcome).Inc()
	metrics.RelayBufferingSeconds.Observe(stat.BufferingTime.Seconds())

	if b.log.IsTraceEnabled() {
		b.log.WithFields(map[string]interface{}{
			"dlfc":      frame.DLFC,
			"source":    frame.Source,
			"buffering": stat.BufferingTime,
			"outcome":   outcome,
		}).Trace("frame dispatched")
	}

	b.obsMu.RLock()
	statObservers := b.onStat
	summaryObservers := b.onSummary
	b.obsMu.RUnlock()

	for _, fn := range statObservers {
		fn(frame, stat)
	}

	b.window.add(stat)
	if b.window.len() < b.statsEvery {
		return
	}
	sum := b.window.summarize(at, frame.Timestamp)
	b.log.WithFields(map[string]interface{}{
		"frames":    sum.Frames,
		"min":       fmt.Sprintf("%.3f", sum.MinMs),
		"max":       fmt.Sprintf("%.3f", sum.MaxMs),
		"mean":      fmt.Sprintf("%.3f", sum.MeanMs),
		"stdev":     fmt.Sprintf("%.3f", sum.StdevMs),
		"late":      sum.Late,
		"dropped":   sum.Dropped,
		"inhibited": sum.Inhibited,
		"tsta_ms":   fmt.Sprintf("%.3f", sum.TSTAMs),
	}).Info("buffering time statistics [ms]")
	for _, fn := range summaryObservers {
		fn(sum)
	}
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

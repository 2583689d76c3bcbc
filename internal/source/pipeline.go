package source

import (
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/core/decoder"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/metrics"
)

// Pipeline is the receive side shared by every input kind: reassembly,
// frame building, margin and health bookkeeping, handler dispatch.
// Push and Reset belong to the input goroutine.
type Pipeline struct {
	src         *Source
	cfg         Config
	reassembler *decoder.Reassembler
	builder     *FrameBuilder
	log         log.Logger

	mu      sync.RWMutex
	onFrame FrameHandler
	onLoss  LossHandler

	frames    atomic.Uint64
	bytes     atomic.Uint64
	discarded atomic.Uint64
}

// NewPipeline creates the receive side of src.
func NewPipeline(src *Source, cfg Config) *Pipeline {
	cfg = cfg.withDefaults()
	cfg.Reassembly.Source = src.ID()
	l := log.GetLogger().WithFields(map[string]interface{}{
		"source": src.ID(),
		"kind":   string(src.Kind),
	})
	return &Pipeline{
		src:         src,
		cfg:         cfg,
		reassembler: decoder.NewReassembler(cfg.Reassembly),
		builder:     NewFrameBuilder(l),
		log:         l,
	}
}

// Source returns the source fed by this pipeline.
func (p *Pipeline) Source() *Source {
	return p.src
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// SetHandlers registers the frame and loss callbacks.
func (p *Pipeline) SetHandlers(onFrame FrameHandler, onLoss LossHandler) {
	p.mu.Lock()
	p.onFrame = onFrame
	p.onLoss = onLoss
	p.mu.Unlock()
}

// Push feeds one transport packet received at receivedAt.
func (p *Pipeline) Push(data []byte, receivedAt time.Time) {
	p.bytes.Add(uint64(len(data)))
	tagged, ok := p.reassembler.PushPacket(core.RawPacket{
		Data:       data,
		SourceID:   p.src.ID(),
		ReceivedAt: receivedAt,
	})
	if !ok {
		return
	}

	frame, ok := p.builder.Build(tagged, p.src.ID(), receivedAt)
	if !ok {
		p.discarded.Add(1)
		metrics.SourceFramesTotal.WithLabelValues(p.src.ID(), "discarded").Inc()
		return
	}
	p.frames.Add(1)
	p.src.lastFrame.Store(receivedAt.UnixNano())
	if frame.Timestamp.Valid() {
		margin := frame.Timestamp.Time().Add(p.cfg.NominalOffset).Sub(receivedAt)
		p.src.setMargin(margin)
		metrics.SourceMarginMs.WithLabelValues(p.src.ID()).Set(float64(margin.Microseconds()) / 1000)
	}

	p.mu.RLock()
	onFrame := p.onFrame
	p.mu.RUnlock()
	if onFrame != nil {
		onFrame(frame, p.src)
	}
}

// Refresh drops the margin of a source that stopped delivering frames.
func (p *Pipeline) Refresh(now time.Time) {
	if !p.Healthy(now) {
		p.src.clearMargin()
	}
	metrics.SourceState.WithLabelValues(p.src.ID(), "connected").Set(metrics.BoolGauge(p.src.Connected()))
	metrics.SourceState.WithLabelValues(p.src.ID(), "enabled").Set(metrics.BoolGauge(p.src.Enabled()))
	metrics.SourceState.WithLabelValues(p.src.ID(), "healthy").Set(metrics.BoolGauge(p.Healthy(now)))
}

// Reset forgets all reassembly state.
func (p *Pipeline) Reset() {
	p.reassembler.Reset()
	p.src.clearMargin()
}

// Lost reports a connection loss to the registered handler.
func (p *Pipeline) Lost() {
	metrics.SourceDisconnectsTotal.WithLabelValues(p.src.ID()).Inc()
	p.mu.RLock()
	onLoss := p.onLoss
	p.mu.RUnlock()
	if onLoss != nil {
		onLoss(p.src)
	}
}

// MarginMs returns the margin of the newest timestamped frame.
func (p *Pipeline) MarginMs() (float64, bool) {
	return p.src.MarginMs()
}

// Healthy reports whether the source is connected and delivered a frame
// within the staleness window.
func (p *Pipeline) Healthy(now time.Time) bool {
	if !p.src.Connected() {
		return false
	}
	last := p.src.LastFrame()
	return !last.IsZero() && now.Sub(last) <= p.cfg.Staleness
}

// Stats returns the pipeline counters.
func (p *Pipeline) Stats() Stats {
	r := p.reassembler.Stats()
	return Stats{
		Frames:    p.frames.Load(),
		Bytes:     p.bytes.Load(),
		Completed: r.Completed,
		Abandoned: r.Abandoned,
		Malformed: r.Malformed,
		Discarded: p.discarded.Load(),
	}
}

// Logger returns the source scoped logger.
func (p *Pipeline) Logger() log.Logger {
	return p.log
}

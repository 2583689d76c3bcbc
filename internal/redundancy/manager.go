// Package redundancy drives the configured inputs and decides which of
// them feed the relay buffer.
//
// In merge mode every enabled and healthy source is active. In switch mode
// at most one source is active: it is kept while healthy and replaced by
// the best healthy alternative once it has been unhealthy for a number of
// consecutive evaluations.
package redundancy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/log"
	"firestige.xyz/edirelay/internal/metrics"
	"firestige.xyz/edirelay/internal/source"
)

// Mode is the redundancy policy.
type Mode string

const (
	ModeMerge  Mode = "merge"
	ModeSwitch Mode = "switch"
)

// MarginPolicy ranks healthy sources when one has to be chosen.
type MarginPolicy string

const (
	// PolicyHeadroom prefers the source whose frames arrive earliest
	// relative to their timestamp.
	PolicyHeadroom MarginPolicy = "headroom"
	// PolicyDeviation prefers the source closest to the nominal offset.
	PolicyDeviation MarginPolicy = "deviation"
)

// Defaults.
const (
	DefaultEvaluateInterval = time.Second
	DefaultUnhealthyTicks   = 3
	DefaultBackoff          = 5000 * time.Millisecond
	MaxBackoff              = 100 * time.Second
)

// Output receives the frames of active sources. relay.Buffer implements it.
type Output interface {
	Push(frame core.DecodedFrame) error
	InhibitUntil(t time.Time)
}

// Config configures a Manager.
type Config struct {
	Mode             Mode
	MarginPolicy     MarginPolicy
	EvaluateInterval time.Duration
	UnhealthyTicks   int
	Backoff          time.Duration
	PollInterval     time.Duration
}

func (c Config) withDefaults() (Config, error) {
	switch c.Mode {
	case "":
		c.Mode = ModeSwitch
	case ModeMerge, ModeSwitch:
	default:
		return c, fmt.Errorf("%w: unknown mode %q", core.ErrConfigInvalid, c.Mode)
	}
	switch c.MarginPolicy {
	case "":
		c.MarginPolicy = PolicyHeadroom
	case PolicyHeadroom, PolicyDeviation:
	default:
		return c, fmt.Errorf("%w: unknown margin policy %q", core.ErrConfigInvalid, c.MarginPolicy)
	}
	if c.EvaluateInterval <= 0 {
		c.EvaluateInterval = DefaultEvaluateInterval
	}
	if c.UnhealthyTicks <= 0 {
		c.UnhealthyTicks = DefaultUnhealthyTicks
	}
	if c.Backoff < 0 || c.Backoff > MaxBackoff {
		return c, fmt.Errorf("%w: backoff %v out of range [0, %v]", core.ErrConfigInvalid, c.Backoff, MaxBackoff)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = source.DefaultPollInterval
	}
	return c, nil
}

// SourceStatus is the externally visible state of one source.
type SourceStatus struct {
	Hostname        string       `json:"hostname"`
	Port            int          `json:"port"`
	Kind            string       `json:"kind"`
	Enabled         bool         `json:"enabled"`
	Active          bool         `json:"active"`
	Connected       bool         `json:"connected"`
	Healthy         bool         `json:"healthy"`
	ConnectionCount uint64       `json:"connection_count"`
	MarginMs        *float64     `json:"margin_ms"`
	State           string       `json:"state"`
	LastError       string       `json:"last_error,omitempty"`
	Stats           source.Stats `json:"stats"`
}

// Manager owns the inputs and applies the redundancy policy.
type Manager struct {
	cfg    Config
	out    Output
	inputs []source.Input
	log    log.Logger

	// mu serialises evaluations so the switch mode invariant holds
	mu        sync.Mutex
	unhealthy []int

	backoff   atomic.Int64
	forwarded atomic.Uint64
	standby   atomic.Uint64
}

// New creates a manager over inputs, in configuration order, and registers
// itself as their frame and loss handler.
func New(cfg Config, out Output, inputs []source.Input) (*Manager, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("%w: redundancy manager needs an output", core.ErrConfigInvalid)
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: no sources configured", core.ErrConfigInvalid)
	}

	seen := make(map[string]struct{}, len(inputs))
	for _, in := range inputs {
		id := in.Source().ID()
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s", core.ErrSourceExists, id)
		}
		seen[id] = struct{}{}
	}

	m := &Manager{
		cfg:       cfg,
		out:       out,
		inputs:    inputs,
		log:       log.GetLogger().WithFields(map[string]interface{}{"component": "redundancy", "mode": string(cfg.Mode)}),
		unhealthy: make([]int, len(inputs)),
	}
	m.backoff.Store(int64(cfg.Backoff))
	for _, in := range inputs {
		in.SetHandlers(m.onFrame, m.onLoss)
	}
	return m, nil
}

// Mode returns the redundancy mode.
func (m *Manager) Mode() Mode {
	return m.cfg.Mode
}

// Run drives every input in its own goroutine and evaluates the policy
// until ctx is done. The inputs are closed before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, in := range m.inputs {
		wg.Add(1)
		go func(in source.Input) {
			defer wg.Done()
			m.drive(ctx, in)
		}(in)
	}

	m.log.WithField("sources", len(m.inputs)).Info("redundancy manager started")
	m.Evaluate(time.Now())

	ticker := time.NewTicker(m.cfg.EvaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return m.close()
		case now := <-ticker.C:
			m.Evaluate(now)
		}
	}
}

func (m *Manager) drive(ctx context.Context, in source.Input) {
	poll := time.NewTimer(m.cfg.PollInterval)
	defer poll.Stop()
	for ctx.Err() == nil {
		now := time.Now()
		in.Tick(now)
		if in.Handle() >= 0 {
			in.Receive(now)
			continue
		}
		poll.Reset(m.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		}
	}
}

func (m *Manager) close() error {
	var errs []error
	for _, in := range m.inputs {
		if err := in.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", in.Source().ID(), err))
		}
		in.Source().SetActive(false)
	}
	m.log.Info("redundancy manager stopped")
	return errors.Join(errs...)
}

// Evaluate applies the redundancy policy at now.
func (m *Manager) Evaluate(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Mode == ModeMerge {
		for i, in := range m.inputs {
			src := in.Source()
			m.setActive(i, src.Enabled() && in.Healthy(now))
		}
		return
	}

	cur := -1
	for i, in := range m.inputs {
		if !in.Source().Active() {
			continue
		}
		if cur < 0 {
			cur = i
		} else {
			m.setActive(i, false)
		}
	}

	if cur >= 0 {
		in := m.inputs[cur]
		switch {
		case !in.Source().Enabled():
			m.setActive(cur, false)
			cur = -1
		case in.Healthy(now):
			m.unhealthy[cur] = 0
		default:
			m.unhealthy[cur]++
			if m.unhealthy[cur] < m.cfg.UnhealthyTicks {
				return
			}
			next := m.best(now, cur)
			if next < 0 {
				return
			}
			m.log.WithFields(map[string]interface{}{
				"from": in.Source().ID(),
				"to":   m.inputs[next].Source().ID(),
			}).Warn("switching to healthy source")
			m.setActive(cur, false)
			m.setActive(next, true)
			return
		}
	}

	if cur < 0 {
		if next := m.best(now, -1); next >= 0 {
			m.log.WithField("source", m.inputs[next].Source().ID()).Info("activating source")
			m.setActive(next, true)
		}
	}
}

// best returns the index of the preferred healthy enabled source other
// than skip, or -1. Ties go to the earlier source.
func (m *Manager) best(now time.Time, skip int) int {
	best := -1
	var bestMargin float64
	var bestValid bool
	for i, in := range m.inputs {
		if i == skip || !in.Source().Enabled() || !in.Healthy(now) {
			continue
		}
		margin, valid := in.MarginMs()
		if best < 0 || m.better(margin, valid, bestMargin, bestValid) {
			best, bestMargin, bestValid = i, margin, valid
		}
	}
	return best
}

// better reports whether margin a strictly beats margin b. A source
// without margin never beats one with a margin.
func (m *Manager) better(a float64, aValid bool, b float64, bValid bool) bool {
	if aValid != bValid {
		return aValid
	}
	if !aValid {
		return false
	}
	if m.cfg.MarginPolicy == PolicyDeviation {
		return math.Abs(a) < math.Abs(b)
	}
	return a > b
}

func (m *Manager) setActive(i int, active bool) {
	src := m.inputs[i].Source()
	if src.Active() != active {
		src.SetActive(active)
		m.unhealthy[i] = 0
		m.log.WithFields(map[string]interface{}{"source": src.ID(), "active": active}).Debug("source activity changed")
	}
	metrics.SourceState.WithLabelValues(src.ID(), "active").Set(metrics.BoolGauge(active))
}

func (m *Manager) onFrame(frame core.DecodedFrame, src *source.Source) {
	if !src.Active() {
		m.standby.Add(1)
		metrics.SourceFramesTotal.WithLabelValues(src.ID(), "standby").Inc()
		return
	}
	if err := m.out.Push(frame); err != nil {
		m.log.WithError(err).Debug("relay buffer rejected frame")
		return
	}
	m.forwarded.Add(1)
	metrics.SourceFramesTotal.WithLabelValues(src.ID(), "forwarded").Inc()
}

func (m *Manager) onLoss(src *source.Source) {
	if !src.Active() {
		return
	}
	backoff := m.Backoff()
	if backoff <= 0 {
		return
	}
	m.log.WithFields(map[string]interface{}{
		"source":  src.ID(),
		"backoff": backoff,
	}).Info("active source disconnected, inhibiting output")
	m.out.InhibitUntil(time.Now().Add(backoff))
}

// SetEnabled enables or disables the source with the given host:port.
// Disabling the active source takes effect immediately.
func (m *Manager) SetEnabled(hostport string, enabled bool) error {
	for _, in := range m.inputs {
		src := in.Source()
		if src.ID() != hostport {
			continue
		}
		src.SetEnabled(enabled)
		m.log.WithFields(map[string]interface{}{"source": hostport, "enabled": enabled}).Info("source toggled")
		m.Evaluate(time.Now())
		return nil
	}
	return fmt.Errorf("%w: %s", core.ErrSourceNotFound, hostport)
}

// Backoff returns the inhibition applied after the loss of an active source.
func (m *Manager) Backoff() time.Duration {
	return time.Duration(m.backoff.Load())
}

// SetBackoff changes the inhibition applied after a source loss.
func (m *Manager) SetBackoff(d time.Duration) error {
	if d < 0 || d > MaxBackoff {
		return fmt.Errorf("%w: backoff %v out of range [0, %v]", core.ErrConfigInvalid, d, MaxBackoff)
	}
	m.backoff.Store(int64(d))
	return nil
}

// Counts returns the number of forwarded and standby frames.
func (m *Manager) Counts() (forwarded, standby uint64) {
	return m.forwarded.Load(), m.standby.Load()
}

// Inputs returns the managed inputs in configuration order.
func (m *Manager) Inputs() []source.Input {
	return m.inputs
}

// Sources returns the status of every source in configuration order.
func (m *Manager) Sources() []SourceStatus {
	now := time.Now()
	out := make([]SourceStatus, 0, len(m.inputs))
	for _, in := range m.inputs {
		src := in.Source()
		st := SourceStatus{
			Hostname:        src.Host,
			Port:            src.Port,
			Kind:            string(src.Kind),
			Enabled:         src.Enabled(),
			Active:          src.Active(),
			Connected:       src.Connected(),
			Healthy:         in.Healthy(now),
			ConnectionCount: src.NumConnects(),
			State:           src.State().String(),
			LastError:       src.LastError(),
			Stats:           in.Stats(),
		}
		if margin, ok := in.MarginMs(); ok {
			st.MarginMs = &margin
		}
		out = append(out, st)
	}
	return out
}

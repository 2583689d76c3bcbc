package redundancy

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/edirelay/internal/core"
	"firestige.xyz/edirelay/internal/source"
)

type fakeInput struct {
	src     *source.Source
	healthy atomic.Bool
	ticks   atomic.Int64
	closed  atomic.Bool

	mu          sync.Mutex
	margin      float64
	marginValid bool
	onFrame     source.FrameHandler
	onLoss      source.LossHandler
}

func newFakeInput(port int) *fakeInput {
	return &fakeInput{src: source.NewSource("10.0.0.1", port, source.KindTCP, true)}
}

func (f *fakeInput) Source() *source.Source { return f.src }

func (f *fakeInput) SetHandlers(onFrame source.FrameHandler, onLoss source.LossHandler) {
	f.mu.Lock()
	f.onFrame, f.onLoss = onFrame, onLoss
	f.mu.Unlock()
}

func (f *fakeInput) Tick(time.Time)    { f.ticks.Add(1) }
func (f *fakeInput) Receive(time.Time) {}
func (f *fakeInput) Handle() int       { return -1 }

func (f *fakeInput) MarginMs() (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.margin, f.marginValid
}

func (f *fakeInput) Healthy(time.Time) bool { return f.healthy.Load() }
func (f *fakeInput) Stats() source.Stats    { return source.Stats{} }

func (f *fakeInput) Close() error {
	f.closed.Store(true)
	return nil
}

func (f *fakeInput) setMargin(ms float64) {
	f.mu.Lock()
	f.margin, f.marginValid = ms, true
	f.mu.Unlock()
}

func (f *fakeInput) deliver(dlfc uint16) {
	f.mu.Lock()
	onFrame := f.onFrame
	f.mu.Unlock()
	onFrame(core.DecodedFrame{DLFC: dlfc, Source: f.src.ID()}, f.src)
}

func (f *fakeInput) lose() {
	f.mu.Lock()
	onLoss := f.onLoss
	f.mu.Unlock()
	onLoss(f.src)
}

type fakeOutput struct {
	mu       sync.Mutex
	frames   []core.DecodedFrame
	inhibits []time.Time
}

func (o *fakeOutput) Push(frame core.DecodedFrame) error {
	o.mu.Lock()
	o.frames = append(o.frames, frame)
	o.mu.Unlock()
	return nil
}

func (o *fakeOutput) InhibitUntil(t time.Time) {
	o.mu.Lock()
	o.inhibits = append(o.inhibits, t)
	o.mu.Unlock()
}

func (o *fakeOutput) pushed() []uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []uint16
	for _, f := range o.frames {
		out = append(out, f.DLFC)
	}
	return out
}

func newManager(t *testing.T, cfg Config, n int) (*Manager, []*fakeInput, *fakeOutput) {
	t.Helper()
	fakes := make([]*fakeInput, n)
	inputs := make([]source.Input, n)
	for i := range fakes {
		fakes[i] = newFakeInput(9000 + i)
		fakes[i].healthy.Store(true)
		inputs[i] = fakes[i]
	}
	out := &fakeOutput{}
	m, err := New(cfg, out, inputs)
	require.NoError(t, err)
	return m, fakes, out
}

func activeSet(fakes []*fakeInput) []int {
	var out []int
	for i, f := range fakes {
		if f.src.Active() {
			out = append(out, i)
		}
	}
	return out
}

func TestNewValidation(t *testing.T) {
	out := &fakeOutput{}
	a, b := newFakeInput(1), newFakeInput(1)

	_, err := New(Config{Mode: "fanout"}, out, []source.Input{a})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{MarginPolicy: "jitter"}, out, []source.Input{a})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Backoff: -time.Second}, out, []source.Input{a})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{}, out, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{}, nil, []source.Input{a})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{}, out, []source.Input{a, b})
	assert.ErrorIs(t, err, core.ErrSourceExists)

	m, err := New(Config{}, out, []source.Input{a})
	require.NoError(t, err)
	assert.Equal(t, ModeSwitch, m.Mode())
	assert.Equal(t, PolicyHeadroom, m.cfg.MarginPolicy)
	assert.Equal(t, DefaultUnhealthyTicks, m.cfg.UnhealthyTicks)
}

func TestMergeActivatesEveryHealthyEnabledSource(t *testing.T) {
	m, fakes, out := newManager(t, Config{Mode: ModeMerge}, 3)
	fakes[1].healthy.Store(false)
	fakes[2].src.SetEnabled(false)

	m.Evaluate(time.Now())
	assert.Equal(t, []int{0}, activeSet(fakes))

	fakes[1].healthy.Store(true)
	fakes[2].src.SetEnabled(true)
	m.Evaluate(time.Now())
	assert.Equal(t, []int{0, 1, 2}, activeSet(fakes))

	fakes[0].deliver(1)
	fakes[1].deliver(1)
	fakes[2].deliver(2)
	assert.Equal(t, []uint16{1, 1, 2}, out.pushed(), "merge forwards duplicates")
}

func TestSwitchActivatesSingleSource(t *testing.T) {
	m, fakes, out := newManager(t, Config{Mode: ModeSwitch}, 3)

	m.Evaluate(time.Now())
	assert.Equal(t, []int{0}, activeSet(fakes), "ties go to configuration order")

	fakes[0].deliver(1)
	fakes[1].deliver(1)
	fakes[2].deliver(1)
	assert.Equal(t, []uint16{1}, out.pushed())

	forwarded, standby := m.Counts()
	assert.Equal(t, uint64(1), forwarded)
	assert.Equal(t, uint64(2), standby)
}

func TestSwitchMarginPolicies(t *testing.T) {
	tests := []struct {
		policy  MarginPolicy
		margins []float64
		want    int
	}{
		{PolicyHeadroom, []float64{-5, 120, 40}, 1},
		{PolicyDeviation, []float64{-5, 120, 40}, 0},
		{PolicyDeviation, []float64{30, -30, 10}, 2},
		{PolicyHeadroom, []float64{50, 50, 10}, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			m, fakes, _ := newManager(t, Config{Mode: ModeSwitch, MarginPolicy: tt.policy}, len(tt.margins))
			for i, ms := range tt.margins {
				fakes[i].setMargin(ms)
			}
			m.Evaluate(time.Now())
			assert.Equal(t, []int{tt.want}, activeSet(fakes))
		})
	}
}

func TestSwitchPrefersSourcesWithMargin(t *testing.T) {
	m, fakes, _ := newManager(t, Config{Mode: ModeSwitch}, 2)
	fakes[1].setMargin(-500)

	m.Evaluate(time.Now())
	assert.Equal(t, []int{1}, activeSet(fakes))
}

func TestSwitchKeepsHealthyActiveSource(t *testing.T) {
	m, fakes, _ := newManager(t, Config{Mode: ModeSwitch}, 2)
	fakes[0].setMargin(10)
	fakes[1].setMargin(5)
	m.Evaluate(time.Now())
	require.Equal(t, []int{0}, activeSet(fakes))

	fakes[1].setMargin(500)
	for i := 0; i < 5; i++ {
		m.Evaluate(time.Now())
	}
	assert.Equal(t, []int{0}, activeSet(fakes))
}

func TestSwitchAfterUnhealthyTicks(t *testing.T) {
	m, fakes, _ := newManager(t, Config{Mode: ModeSwitch, UnhealthyTicks: 3}, 2)
	m.Evaluate(time.Now())
	require.Equal(t, []int{0}, activeSet(fakes))

	fakes[0].healthy.Store(false)
	m.Evaluate(time.Now())
	m.Evaluate(time.Now())
	assert.Equal(t, []int{0}, activeSet(fakes), "still within the grace period")

	m.Evaluate(time.Now())
	assert.Equal(t, []int{1}, activeSet(fakes))

	// the old source recovering does not switch back
	fakes[0].healthy.Store(true)
	m.Evaluate(time.Now())
	assert.Equal(t, []int{1}, activeSet(fakes))
}

func TestSwitchRecoveryResetsUnhealthyCount(t *testing.T) {
	m, fakes, _ := newManager(t, Config{Mode: ModeSwitch, UnhealthyTicks: 3}, 2)
	m.Evaluate(time.Now())

	fakes[0].healthy.Store(false)
	m.Evaluate(time.Now())
	m.Evaluate(time.Now())
	fakes[0].healthy.Store(true)
	m.Evaluate(time.Now())
	fakes[0].healthy.Store(false)
	m.Evaluate(time.Now())
	m.Evaluate(time.Now())
	assert.Equal(t, []int{0}, activeSet(fakes))
}

func TestSwitchKeepsUnhealthySourceWithoutAlternative(t *testing.T) {
	m, fakes, _ := newManager(t, Config{Mode: ModeSwitch, UnhealthyTicks: 1}, 2)
	m.Evaluate(time.Now())

	fakes[0].healthy.Store(false)
	fakes[1].healthy.Store(false)
	for i := 0; i < 3; i++ {
		m.Evaluate(time.Now())
	}
	assert.Equal(t, []int{0}, activeSet(fakes))
}

func TestDisablingActiveSourceDemotesImmediately(t *testing.T) {
	m, fakes, _ := newManager(t, Config{Mode: ModeSwitch}, 2)
	m.Evaluate(time.Now())
	require.Equal(t, []int{0}, activeSet(fakes))

	require.NoError(t, m.SetEnabled("10.0.0.1:9000", false))
	assert.Equal(t, []int{1}, activeSet(fakes))
	assert.False(t, fakes[0].src.Enabled())

	assert.ErrorIs(t, m.SetEnabled("10.0.0.9:1", true), core.ErrSourceNotFound)
}

func TestSwitchNeverMoreThanOneActive(t *testing.T) {
	m, fakes, _ := newManager(t, Config{Mode: ModeSwitch, UnhealthyTicks: 2}, 4)
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 500; i++ {
		f := fakes[rng.Intn(len(fakes))]
		switch rng.Intn(4) {
		case 0:
			f.healthy.Store(!f.healthy.Load())
		case 1:
			f.src.SetEnabled(!f.src.Enabled())
		case 2:
			f.setMargin(float64(rng.Intn(400) - 200))
		}
		m.Evaluate(time.Now())
		require.LessOrEqual(t, len(activeSet(fakes)), 1, "iteration %d", i)
	}
}

func TestLossOfActiveSourceInhibits(t *testing.T) {
	m, fakes, out := newManager(t, Config{Mode: ModeSwitch, Backoff: 2 * time.Second}, 2)
	m.Evaluate(time.Now())

	fakes[1].lose()
	assert.Empty(t, out.inhibits, "standby loss does not inhibit")

	before := time.Now()
	fakes[0].lose()
	require.Len(t, out.inhibits, 1)
	assert.WithinDuration(t, before.Add(2*time.Second), out.inhibits[0], 100*time.Millisecond)

	require.NoError(t, m.SetBackoff(0))
	fakes[0].lose()
	assert.Len(t, out.inhibits, 1, "zero backoff disables inhibition")
}

func TestSetBackoff(t *testing.T) {
	m, _, _ := newManager(t, Config{Backoff: DefaultBackoff}, 1)
	assert.Equal(t, DefaultBackoff, m.Backoff())

	require.NoError(t, m.SetBackoff(100*time.Second))
	assert.Equal(t, 100*time.Second, m.Backoff())
	assert.ErrorIs(t, m.SetBackoff(-time.Millisecond), core.ErrConfigInvalid)
	assert.ErrorIs(t, m.SetBackoff(100*time.Second+1), core.ErrConfigInvalid)
}

func TestSources(t *testing.T) {
	m, fakes, _ := newManager(t, Config{Mode: ModeSwitch}, 2)
	fakes[1].setMargin(12.5)
	fakes[1].healthy.Store(false)
	m.Evaluate(time.Now())

	st := m.Sources()
	require.Len(t, st, 2)
	assert.Equal(t, "10.0.0.1", st[0].Hostname)
	assert.Equal(t, 9000, st[0].Port)
	assert.Equal(t, "tcp", st[0].Kind)
	assert.True(t, st[0].Active)
	assert.True(t, st[0].Healthy)
	assert.Nil(t, st[0].MarginMs)
	assert.Equal(t, "disconnected", st[0].State)

	assert.False(t, st[1].Active)
	assert.False(t, st[1].Healthy)
	require.NotNil(t, st[1].MarginMs)
	assert.Equal(t, 12.5, *st[1].MarginMs)
}

func TestRunDrivesInputsUntilCancelled(t *testing.T) {
	m, fakes, _ := newManager(t, Config{
		Mode:             ModeMerge,
		EvaluateInterval: 10 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
	}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fakes[0].ticks.Load() > 3 && fakes[1].ticks.Load() > 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1}, activeSet(fakes))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	for _, f := range fakes {
		assert.True(t, f.closed.Load())
		assert.False(t, f.src.Active())
	}
}

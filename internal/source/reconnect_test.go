package source

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedDelay(t *testing.T) {
	p := newReconnectPolicy(ReconnectConfig{Policy: ReconnectFixed, Delay: 480 * time.Millisecond})
	for i := 0; i < 3; i++ {
		assert.Equal(t, 480*time.Millisecond, p.Next())
	}
}

func TestBackoff(t *testing.T) {
	b := &backoff{base: 100 * time.Millisecond, max: time.Second, jitter: func() float64 { return 0.5 }}

	assert.Equal(t, 100*time.Millisecond, b.Next())
	assert.Equal(t, 200*time.Millisecond, b.Next())
	assert.Equal(t, 400*time.Millisecond, b.Next())
	assert.Equal(t, 800*time.Millisecond, b.Next())
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, time.Second, b.Next())

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.Next())
}

func TestBackoffJitterBounds(t *testing.T) {
	p := newReconnectPolicy(ReconnectConfig{Policy: ReconnectExponential, Delay: time.Second, MaxDelay: time.Second})
	for i := 0; i < 100; i++ {
		d := p.Next()
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestConfigDefaults(t *testing.T) {
	c := Config{}.withDefaults()
	assert.Equal(t, DefaultReconnectDelay, c.Reconnect.Delay)
	assert.Equal(t, ReconnectFixed, c.Reconnect.Policy)
	assert.Equal(t, DefaultStaleness, c.Staleness)
	assert.Equal(t, DefaultReconnectMax, c.Reconnect.MaxDelay)
}

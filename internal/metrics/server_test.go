package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerServesMetrics(t *testing.T) {
	RelayFramesTotal.WithLabelValues("sent").Inc()
	SourceState.WithLabelValues("test:1", "connected").Set(BoolGauge(true))

	s := NewServer("127.0.0.1:0", "")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `edirelay_relay_frames_total{outcome="sent"}`)
	assert.Contains(t, string(body), `edirelay_source_state{flag="connected",source="test:1"} 1`)
}

func TestServerStartFailsOnBadAddress(t *testing.T) {
	s := NewServer("256.0.0.1:bad", "/metrics")
	assert.Error(t, s.Start(context.Background()))
}

func TestStopBeforeStart(t *testing.T) {
	assert.NoError(t, NewServer(":0", "").Stop(context.Background()))
}

func TestBoolGauge(t *testing.T) {
	assert.Equal(t, 1.0, BoolGauge(true))
	assert.Equal(t, 0.0, BoolGauge(false))
}

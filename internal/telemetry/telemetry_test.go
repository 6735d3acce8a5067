package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "grpc", cfg.Protocol)
	assert.Equal(t, "taskd", cfg.ServiceName)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidate_EnabledRequiresEndpoint(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = ""
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Enabled = true
	cfg.Protocol = "udp"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Enabled = true
	cfg.SamplingRate = 2.0
	assert.Error(t, cfg.Validate())
}

func TestNew_DisabledIsNoop(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.False(t, tel.IsEnabled())
	// No-op providers still hand out usable tracers/meters
	_, span := tel.Tracer("test").Start(context.Background(), "op")
	span.End()
	require.NotNil(t, tel.Meter("test"))

	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

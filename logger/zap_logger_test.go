package logger

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/saiset-co/kpulse/config"
	"github.com/saiset-co/kpulse/types"
)

func TestErrorWithErrStackAttachesStack(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapWrapper(zap.New(core))

	err := errors.Wrap(errors.New("upstream reset"), "refresh artist")
	l.ErrorWithErrStack("background refresh failed", err, zap.String("key", "artist:1"))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "upstream reset", fields["error"])
	assert.Equal(t, "artist:1", fields["key"])
	assert.Contains(t, fields["stack"], "TestErrorWithErrStackAttachesStack")
}

func TestErrorWithErrStackPlainError(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewZapWrapper(zap.New(core))

	l.ErrorWithErrStack("failed", types.ErrFetchFailed)

	require.Equal(t, 1, logs.Len())
	_, hasStack := logs.All()[0].ContextMap()["stack"]
	assert.False(t, hasStack)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, zap.InfoLevel, parseLogLevel("nonsense"))
}

func TestNewDefaultLoggerJSON(t *testing.T) {
	l, err := NewDefaultLogger(&types.LoggerConfig{
		Level:  "info",
		Config: map[string]interface{}{"format": "json", "output": "stderr"},
	})
	require.NoError(t, err)
	assert.NotNil(t, l.Logger)
}

func TestComponentLoggerTagsEntries(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	root := NewZapWrapper(zap.New(core))

	root.Component("ratelimit").Warn("endpoint blocked", zap.String("endpoint", "chart"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "ratelimit", fields["component"])
	assert.Equal(t, "chart", fields["endpoint"])
}

func TestManagerLifecycleAndComponents(t *testing.T) {
	cfg := &types.ServiceConfig{Logger: &types.LoggerConfig{
		Level:  "error",
		Config: map[string]interface{}{"output": "stderr"},
	}}
	m, err := NewManager(context.Background(), config.NewStaticManager(cfg))
	require.NoError(t, err)

	assert.Same(t, m.For("cache"), m.For("cache"))
	assert.NotSame(t, m.For("cache"), m.For("mapping"))

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrServerAlreadyRunning)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Stop(), types.ErrServerNotRunning)
}

func TestNewManagerRequiresConfig(t *testing.T) {
	_, err := NewManager(context.Background(), config.NewStaticManager(&types.ServiceConfig{}))
	assert.ErrorIs(t, err, types.ErrLoggerConfigInvalid)
}

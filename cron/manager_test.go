package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/kpulse/config"
	"github.com/saiset-co/kpulse/logger"
	"github.com/saiset-co/kpulse/metrics"
	"github.com/saiset-co/kpulse/types"
)

func newManager(t *testing.T, jobTimeout time.Duration) *Manager {
	t.Helper()
	cfg := config.NewLoader().Defaults()
	cfg.Cron.JobTimeout = jobTimeout
	return NewManager(context.Background(), config.NewStaticManager(cfg), logger.NewNop(), metrics.NewNop())
}

func TestAddValidation(t *testing.T) {
	m := newManager(t, time.Second)
	noop := func(context.Context) {}

	assert.ErrorIs(t, m.Add("", "@every 1m", noop), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("sweep", "", noop), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, m.Add("sweep", "@every 1m", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("sweep", "not a schedule", noop), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("sweep", "@every 1m", noop))
	assert.ErrorIs(t, m.Add("sweep", "@every 1m", noop), types.ErrCronJobExists)

	require.NoError(t, m.Remove("sweep"))
	assert.ErrorIs(t, m.Remove("sweep"), types.ErrCronJobNotFound)
}

func TestRunRecordsStats(t *testing.T) {
	m := newManager(t, time.Second)

	var calls int32
	require.NoError(t, m.Add("purge", "@every 1h", func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	}))

	require.NoError(t, m.Run("purge"))
	require.NoError(t, m.Run("purge"))

	jobs := m.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, int64(2), jobs[0].RunCount)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestRunReportsPanicAndTimeout(t *testing.T) {
	m := newManager(t, 20*time.Millisecond)

	require.NoError(t, m.Add("panics", "@every 1h", func(ctx context.Context) { panic("boom") }))
	require.NoError(t, m.Add("slow", "@every 1h", func(ctx context.Context) { <-ctx.Done() }))

	assert.ErrorIs(t, m.Run("panics"), types.ErrCronJobFailed)
	assert.ErrorIs(t, m.Run("slow"), types.ErrCronJobTimeout)
	assert.ErrorIs(t, m.Run("missing"), types.ErrCronJobNotFound)
}

func TestScheduledJobRunsUntilStop(t *testing.T) {
	m := newManager(t, time.Second)

	ran := make(chan struct{}, 8)
	require.NoError(t, m.Add("tick", "@every 1s", func(ctx context.Context) {
		ran <- struct{}{}
	}))

	require.NoError(t, m.Start())
	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("scheduled job did not run")
	}
	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
}

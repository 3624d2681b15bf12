package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"kms-connect/backend/config"
)

type fakeSender struct {
	calls atomic.Int32
	last  atomic.Value
	err   error
}

func (f *fakeSender) SendDue(_ context.Context, now time.Time) (int, error) {
	f.calls.Add(1)
	f.last.Store(now)
	return 1, f.err
}

func TestNew_InvalidSpec(t *testing.T) {
	_, err := New(&config.SchedulerConfig{SweepSpec: "every now and then"}, &fakeSender{}, zap.NewNop())
	assert.Error(t, err)
}

func TestSweep_PassesCurrentTime(t *testing.T) {
	sender := &fakeSender{}
	s, err := New(&config.SchedulerConfig{SweepSpec: "@every 1h"}, sender, zap.NewNop())
	require.NoError(t, err)

	fixed := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }
	s.Sweep()

	assert.Equal(t, int32(1), sender.calls.Load())
	assert.Equal(t, fixed, sender.last.Load())
}

func TestSweep_ErrorIsLogged(t *testing.T) {
	sender := &fakeSender{err: errors.New("db down")}
	s, err := New(&config.SchedulerConfig{}, sender, zap.NewNop())
	require.NoError(t, err)

	assert.NotPanics(t, s.Sweep)
	assert.Equal(t, int32(1), sender.calls.Load())
}

func TestStartStop_RunsSweep(t *testing.T) {
	sender := &fakeSender{}
	s, err := New(&config.SchedulerConfig{SweepSpec: "@every 1s"}, sender, zap.NewNop())
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return sender.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}

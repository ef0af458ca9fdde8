package job_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-dispatch/internal/job"
)

func TestManager_RunsSweeps(t *testing.T) {
	m := job.NewManager(time.Second)
	var runs atomic.Int32
	require.NoError(t, m.Add("count", "@every 1s", func(context.Context) (int, error) {
		runs.Add(1)
		return 1, nil
	}))
	require.NoError(t, m.Add("broken", "@every 1s", func(context.Context) (int, error) {
		return 0, errors.New("boom")
	}))

	m.Start()
	defer m.Stop(context.Background())

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestManager_SkipsOverlappingRuns(t *testing.T) {
	m := job.NewManager(0)
	var running, started atomic.Int32
	release := make(chan struct{})
	require.NoError(t, m.Add("slow", "@every 1s", func(ctx context.Context) (int, error) {
		started.Add(1)
		if running.Add(1) > 1 {
			t.Error("sweep overlapped itself")
		}
		defer running.Add(-1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return 0, nil
	}))

	m.Start()
	require.Eventually(t, func() bool { return started.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(2200 * time.Millisecond)
	assert.Equal(t, int32(1), started.Load(), "ticks during a run are skipped")

	close(release)
	m.Stop(context.Background())
}

func TestManager_StopCancelsRunningSweep(t *testing.T) {
	m := job.NewManager(0)
	cancelled := make(chan struct{})
	var started atomic.Bool
	require.NoError(t, m.Add("blocking", "@every 1s", func(ctx context.Context) (int, error) {
		if !started.CompareAndSwap(false, true) {
			return 0, nil
		}
		<-ctx.Done()
		close(cancelled)
		return 0, ctx.Err()
	}))
	m.Start()
	require.Eventually(t, started.Load, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.Stop(ctx)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("running sweep was not cancelled")
	}
}

func TestManager_RejectsBadSchedule(t *testing.T) {
	m := job.NewManager(0)
	assert.Error(t, m.Add("bad", "every tuesday", func(context.Context) (int, error) { return 0, nil }))
	assert.NoError(t, m.Add("off", "", func(context.Context) (int, error) { return 0, nil }))
}

package task

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestTaskRunsOnPollInterval(t *testing.T) {
	var count int64
	tk := New("test", 10*time.Millisecond, zerolog.Nop(), func(ctx context.Context) Result {
		atomic.AddInt64(&count, 1)
		return Result{}
	})
	ctx := context.Background()
	tk.Start(ctx)
	defer tk.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt64(&count) >= 3 }, time.Second, 5*time.Millisecond)
}

func TestKickTriggersImmediateCycle(t *testing.T) {
	var count int64
	tk := New("test", time.Hour, zerolog.Nop(), func(ctx context.Context) Result {
		atomic.AddInt64(&count, 1)
		return Result{}
	})
	ctx := context.Background()
	tk.Start(ctx)
	defer tk.Stop()

	tk.Kick()
	require.Eventually(t, func() bool { return atomic.LoadInt64(&count) >= 1 }, time.Second, 5*time.Millisecond)
}

func TestStopBlocksUntilLoopExits(t *testing.T) {
	tk := New("test", 5*time.Millisecond, zerolog.Nop(), func(ctx context.Context) Result {
		return Result{}
	})
	tk.Start(context.Background())
	tk.Stop()
	// A second Stop must not block or panic.
	tk.Stop()
}

func TestLastErrorReflectsMostRecentCycle(t *testing.T) {
	calls := int64(0)
	tk := New("test", 5*time.Millisecond, zerolog.Nop(), func(ctx context.Context) Result {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			return Result{Err: context.DeadlineExceeded}
		}
		return Result{}
	})
	tk.Start(context.Background())
	defer tk.Stop()

	require.Eventually(t, func() bool { return tk.RunCount() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, tk.LastError())
}

func TestPanicInRunOnceDoesNotKillLoop(t *testing.T) {
	calls := int64(0)
	tk := New("test", 5*time.Millisecond, zerolog.Nop(), func(ctx context.Context) Result {
		n := atomic.AddInt64(&calls, 1)
		if n == 1 {
			panic("boom")
		}
		return Result{}
	})
	tk.Start(context.Background())
	defer tk.Stop()

	require.Eventually(t, func() bool { return tk.RunCount() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestContextCancellationStopsLoop(t *testing.T) {
	var count int64
	ctx, cancel := context.WithCancel(context.Background())
	tk := New("test", 5*time.Millisecond, zerolog.Nop(), func(ctx context.Context) Result {
		atomic.AddInt64(&count, 1)
		return Result{}
	})
	tk.Start(ctx)
	cancel()
	time.Sleep(20 * time.Millisecond)
	stopped := atomic.LoadInt64(&count)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, stopped, atomic.LoadInt64(&count), "no further cycles after context cancellation")
}

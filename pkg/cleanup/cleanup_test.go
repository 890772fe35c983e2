package cleanup

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnqueueRejectsWhenAtCapacity(t *testing.T) {
	m := New(2, func(ctx context.Context, a Action) error { return nil })
	require.NoError(t, m.Enqueue(KindDeallocatePage, "v1", 1))
	require.NoError(t, m.Enqueue(KindDeallocatePage, "v1", 2))
	require.Error(t, m.Enqueue(KindDeallocatePage, "v1", 3))
}

func TestRunOnceExecutesAllPendingInTotalOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []Action
	m := New(10, func(ctx context.Context, a Action) error {
		mu.Lock()
		seen = append(seen, a)
		mu.Unlock()
		return nil
	})
	require.NoError(t, m.Enqueue(KindCompactIndexHole, "v1", 5))
	require.NoError(t, m.Enqueue(KindDeallocatePage, "v1", 1))
	require.NoError(t, m.Enqueue(KindDeallocatePage, "v1", 2))

	res := m.RunOnce(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, 0, m.Depth())

	require.Len(t, seen, 3)
	require.Equal(t, KindDeallocatePage, seen[0].Kind)
	require.Equal(t, KindDeallocatePage, seen[1].Kind)
	require.Equal(t, KindCompactIndexHole, seen[2].Kind)
	require.True(t, seen[0].Sequence < seen[1].Sequence)
}

func TestRunOnceIdleWhenQueueEmpty(t *testing.T) {
	m := New(10, func(ctx context.Context, a Action) error { return nil })
	res := m.RunOnce(context.Background())
	require.True(t, res.Idle)
}

func TestFailedActionsAreReenqueuedForRetry(t *testing.T) {
	attempts := 0
	m := New(10, func(ctx context.Context, a Action) error {
		attempts++
		if attempts == 1 {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.NoError(t, m.Enqueue(KindReclaimLongChain, "v1", 9))

	res := m.RunOnce(context.Background())
	require.Error(t, res.Err)
	require.Equal(t, 1, m.Depth(), "failed action should be re-enqueued")

	res = m.RunOnce(context.Background())
	require.NoError(t, res.Err)
	require.Equal(t, 0, m.Depth())
}

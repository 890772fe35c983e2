package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/cuemby/strata/pkg/kverrors"
)

func TestBeginAssignsStrictlyIncreasingTimestamps(t *testing.T) {
	ix := New()
	a := ix.Begin()
	b := ix.Begin()
	require.Less(t, a.TS, b.TS)
	require.Equal(t, Active, a.Status)
}

func TestCommitAssignsTCAfterTS(t *testing.T) {
	ix := New()
	tx := ix.Begin()
	tc := ix.Commit(tx)
	require.Greater(t, tc, tx.TS)
	require.Equal(t, Committed, tx.Status)
}

func TestAbortAssignsTA(t *testing.T) {
	ix := New()
	tx := ix.Begin()
	ta := ix.Abort(tx)
	require.Greater(t, ta, tx.TS)
	require.Equal(t, Aborted, tx.Status)
}

func TestRequestWritePermitRecordsDependency(t *testing.T) {
	ix := New()
	holder := ix.Begin()
	waiter := ix.Begin()

	err := ix.RequestWritePermit(waiter, holder)
	require.Error(t, err)
	kind, ok := kverrors.KindOfErr(err)
	require.True(t, ok)
	require.Equal(t, kverrors.InUse, kind)
	require.True(t, waiter.DependsOn[holder.TS])
}

func TestRequestWritePermitAllowsConcludedHolder(t *testing.T) {
	ix := New()
	holder := ix.Begin()
	waiter := ix.Begin()
	ix.Commit(holder)

	err := ix.RequestWritePermit(waiter, holder)
	require.NoError(t, err)
}

func TestRequestWritePermitDetectsDeadlockCycle(t *testing.T) {
	ix := New()
	a := ix.Begin()
	b := ix.Begin()

	// a waits on b
	err := ix.RequestWritePermit(a, b)
	require.Error(t, err)
	kind, _ := kverrors.KindOfErr(err)
	require.Equal(t, kverrors.InUse, kind)

	// b waiting on a would close the cycle a->b->a
	err = ix.RequestWritePermit(b, a)
	require.Error(t, err)
	kind, _ = kverrors.KindOfErr(err)
	require.Equal(t, kverrors.Rollback, kind)
}

func TestPruneDropsOldConcludedEntriesOnly(t *testing.T) {
	ix := New()
	old := ix.Begin()
	ix.Commit(old)
	stillActive := ix.Begin()
	recent := ix.Begin()
	tcRecent := ix.Commit(recent)

	n := ix.Prune(tcRecent) // floor excludes recent (tc == floor is not < floor)
	require.Equal(t, 1, n)
	_, ok := ix.Lookup(old.TS)
	require.False(t, ok)
	_, ok = ix.Lookup(recent.TS)
	require.True(t, ok)
	_, ok = ix.Lookup(stillActive.TS)
	require.True(t, ok)
}

func TestSnapshotOnlyListsActiveTransactions(t *testing.T) {
	ix := New()
	a := ix.Begin()
	b := ix.Begin()
	ix.Commit(a)

	snap := ix.Snapshot()
	require.NotContains(t, snap, a.TS)
	require.Contains(t, snap, b.TS)
}

func TestReleaseDependenciesClearsEdges(t *testing.T) {
	ix := New()
	holder := ix.Begin()
	waiter := ix.Begin()
	_ = ix.RequestWritePermit(waiter, holder)
	require.NotEmpty(t, waiter.DependsOn)
	ix.ReleaseDependencies(waiter)
	require.Empty(t, waiter.DependsOn)
}

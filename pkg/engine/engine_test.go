package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/config"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := Open(filepath.Join(dir, "journal"), config.DefaultEngineConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func openTestVolume(t *testing.T, e *Engine, name string) config.VolumeSpec {
	t.Helper()
	dir := t.TempDir()
	spec, err := config.ParseVolumeSpec(fmt.Sprintf("%s,name:%s,pageSize:4096,initialPages:4", filepath.Join(dir, name+".strata"), name))
	require.NoError(t, err)
	require.NoError(t, e.OpenVolume(spec))
	return spec
}

func TestOpenVolumeThenOpenTreeRoundTripsPutAndGet(t *testing.T) {
	e := newTestEngine(t)
	openTestVolume(t, e, "primary")
	ctx := context.Background()

	_, err := e.OpenTree(ctx, "primary", "widgets")
	require.NoError(t, err)

	sess := NewSession(e)
	err = sess.Do(ctx, func(ctx context.Context, tx *Transaction) error {
		return tx.Put(ctx, "primary", "widgets", []byte("a"), []byte("1"))
	})
	require.NoError(t, err)

	err = sess.Do(ctx, func(ctx context.Context, tx *Transaction) error {
		v, found, err := tx.Get(ctx, "primary", "widgets", []byte("a"))
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, []byte("1"), v)
		return nil
	})
	require.NoError(t, err)
}

func TestDoRetriesOnWriteWriteConflictAndEventuallySucceeds(t *testing.T) {
	e := newTestEngine(t)
	openTestVolume(t, e, "primary")
	ctx := context.Background()
	_, err := e.OpenTree(ctx, "primary", "widgets")
	require.NoError(t, err)

	sess := NewSession(e)
	require.NoError(t, sess.Do(ctx, func(ctx context.Context, tx *Transaction) error {
		return tx.Put(ctx, "primary", "widgets", []byte("k"), []byte("v0"))
	}))

	// An already-committed writer is gone by the time Do's next attempt
	// starts, so the retry loop should converge within one retry.
	holder := sess.Begin()
	require.NoError(t, holder.Put(ctx, "primary", "widgets", []byte("k"), []byte("held")))

	done := make(chan error, 1)
	go func() {
		done <- sess.Do(ctx, func(ctx context.Context, tx *Transaction) error {
			return tx.Put(ctx, "primary", "widgets", []byte("k"), []byte("v1"))
		})
	}()

	require.NoError(t, holder.Commit(ctx))
	require.NoError(t, <-done)
}

func TestPersistDirectorySurvivesVolumeCloseAndReopen(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "primary.strata")
	spec, err := config.ParseVolumeSpec(path + ",name:primary,pageSize:4096,initialPages:4")
	require.NoError(t, err)
	require.NoError(t, e.OpenVolume(spec))

	ctx := context.Background()
	_, err = e.OpenTree(ctx, "primary", "widgets")
	require.NoError(t, err)

	sess := NewSession(e)
	require.NoError(t, sess.Do(ctx, func(ctx context.Context, tx *Transaction) error {
		return tx.Put(ctx, "primary", "widgets", []byte("a"), []byte("1"))
	}))

	require.NoError(t, e.CloseVolume("primary"))
	require.NoError(t, e.OpenVolume(spec))

	tr, err := e.OpenTree(ctx, "primary", "widgets")
	require.NoError(t, err)
	readerTS := e.ReaderTimestamp()
	v, found, err := tr.Get(ctx, readerTS, []byte("a"))
	require.NoError(t, err)
	require.True(t, found, "tree directory should survive a close/reopen cycle")
	require.Equal(t, []byte("1"), v)
}

func TestAccumulatorSumFoldsCommittedDeltasOnly(t *testing.T) {
	e := newTestEngine(t)
	openTestVolume(t, e, "primary")
	ctx := context.Background()
	_, err := e.OpenTree(ctx, "primary", "widgets")
	require.NoError(t, err)

	acc, err := e.RegisterAccumulator("primary", "widgets", 0, AccumSum)
	require.NoError(t, err)

	sess := NewSession(e)
	require.NoError(t, sess.Do(ctx, func(ctx context.Context, tx *Transaction) error {
		tx.Accumulate(acc, 10)
		return tx.Put(ctx, "primary", "widgets", []byte("a"), []byte("1"))
	}))

	beforeSecondWrite := e.ReaderTimestamp()

	require.NoError(t, sess.Do(ctx, func(ctx context.Context, tx *Transaction) error {
		tx.Accumulate(acc, 5)
		return tx.Put(ctx, "primary", "widgets", []byte("b"), []byte("2"))
	}))

	require.Equal(t, int64(10), acc.Get(beforeSecondWrite), "a reader snapshotted before the second commit must not see its delta")
	require.Equal(t, int64(15), acc.Get(e.ReaderTimestamp()))
}

func TestAccumulatorSeqNeverCollidesAcrossConcurrentTransactions(t *testing.T) {
	e := newTestEngine(t)
	openTestVolume(t, e, "primary")
	ctx := context.Background()
	_, err := e.OpenTree(ctx, "primary", "widgets")
	require.NoError(t, err)

	acc, err := e.RegisterAccumulator("primary", "widgets", 1, AccumSeq)
	require.NoError(t, err)

	sess := NewSession(e)
	seen := make(map[int64]bool)
	for i := 0; i < 20; i++ {
		tx := sess.Begin()
		v, err := tx.Next(acc)
		require.NoError(t, err)
		require.False(t, seen[v], "sequence value %d issued twice", v)
		seen[v] = true
		require.NoError(t, tx.Commit(ctx))
	}
	require.Len(t, seen, 20)
}

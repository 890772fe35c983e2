package mvcc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVisibleSeesOwnUncommittedWrite(t *testing.T) {
	c := NewCell()
	c.Append(10, []byte("v1"), false)

	v, ok := c.Visible(10)
	require.True(t, ok)
	require.Equal(t, "v1", string(v.Payload))
}

func TestVisibleHidesUncommittedWriteFromOtherReaders(t *testing.T) {
	c := NewCell()
	c.Append(10, []byte("v1"), false)

	_, ok := c.Visible(20)
	require.False(t, ok)
}

func TestVisibleSeesCommittedWriteAtOrAfterCommit(t *testing.T) {
	c := NewCell()
	c.Append(10, []byte("v1"), false)
	c.MarkCommitted(10, 15)

	_, ok := c.Visible(14)
	require.False(t, ok, "reader snapshot before commit must not see it")

	v, ok := c.Visible(15)
	require.True(t, ok)
	require.Equal(t, "v1", string(v.Payload))

	v, ok = c.Visible(100)
	require.True(t, ok)
	require.Equal(t, "v1", string(v.Payload))
}

func TestVisiblePrefersNewestCommittedVersion(t *testing.T) {
	c := NewCell()
	c.Append(10, []byte("v1"), false)
	c.MarkCommitted(10, 11)
	c.Append(20, []byte("v2"), false)
	c.MarkCommitted(20, 21)

	v, ok := c.Visible(30)
	require.True(t, ok)
	require.Equal(t, "v2", string(v.Payload))

	v, ok = c.Visible(15)
	require.True(t, ok)
	require.Equal(t, "v1", string(v.Payload))
}

func TestAbortedVersionNeverVisible(t *testing.T) {
	c := NewCell()
	c.Append(10, []byte("v1"), false)
	c.MarkAborted(10)

	_, ok := c.Visible(10)
	require.False(t, ok)
	_, ok = c.Visible(1000)
	require.False(t, ok)
}

func TestTombstoneVisibleReportsDeletion(t *testing.T) {
	c := NewCell()
	c.Append(10, []byte("v1"), false)
	c.MarkCommitted(10, 11)
	c.Append(20, nil, true)
	c.MarkCommitted(20, 21)

	require.True(t, IsTombstoneVisible(c, 30))
	require.False(t, IsTombstoneVisible(c, 15))
}

func TestPruneDropsAbortedAndSupersededCommittedVersions(t *testing.T) {
	c := NewCell()
	c.Append(10, []byte("v1"), false)
	c.MarkCommitted(10, 11)
	c.Append(20, []byte("v2"), false)
	c.MarkCommitted(20, 21)
	c.Append(30, []byte("bad"), false)
	c.MarkAborted(30)

	removed := c.Prune(100)
	require.Equal(t, 2, removed, "v1 (superseded) and the aborted write should be dropped")
	require.Equal(t, 1, c.Len())

	v, ok := c.Visible(1000)
	require.True(t, ok)
	require.Equal(t, "v2", string(v.Payload))
}

func TestPruneRespectsFloorForStillNeededVersions(t *testing.T) {
	c := NewCell()
	c.Append(10, []byte("v1"), false)
	c.MarkCommitted(10, 11)
	c.Append(20, []byte("v2"), false)
	c.MarkCommitted(20, 21)

	// A reader still active at ts=15 needs v1 (committed at 11, the
	// newest version visible to ts=15), so pruning at floor=15 must
	// not remove it even though v2 exists.
	removed := c.Prune(15)
	require.Equal(t, 0, removed)
	require.Equal(t, 2, c.Len())
}

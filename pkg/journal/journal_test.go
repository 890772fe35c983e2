package journal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAndFsync(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "strata", 1<<20)
	require.NoError(t, err)
	defer j.Close()

	addr, err := j.Append(RecTS, 100, nil)
	require.NoError(t, err)
	require.Equal(t, uint32(1), addr.Generation)
	require.NoError(t, j.Fsync())
}

func TestPAAppendPopulatesPageMap(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "strata", 1<<20)
	require.NoError(t, err)
	defer j.Close()

	payload := EncodePA(PAPayload{VolumeHandle: 1, PageAddr: 42, Left: []byte("left"), Right: []byte("right")})
	addr, err := j.Append(RecPA, 50, payload)
	require.NoError(t, err)

	got, ok := j.PageMapLookup(1, 42)
	require.True(t, ok)
	require.Equal(t, addr, got)
}

func TestRollsToNewSegmentPastMaxSize(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "strata", 128)
	require.NoError(t, err)
	defer j.Close()

	var lastGen uint32
	for i := 0; i < 20; i++ {
		addr, err := j.Append(RecPA, int64(i), EncodePA(PAPayload{VolumeHandle: 1, PageAddr: uint64(i), Left: []byte("xxxxxxxxxxxxxxxx")}))
		require.NoError(t, err)
		lastGen = addr.Generation
	}
	require.Greater(t, lastGen, uint32(1), "should have rolled to a later generation")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Greater(t, len(entries), 1)
}

func TestDrainPageMapOrderedIsSortedAndBounded(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "strata", 1<<20)
	require.NoError(t, err)
	defer j.Close()

	for _, pg := range []uint64{5, 1, 3, 2, 4} {
		_, err := j.Append(RecPA, 0, EncodePA(PAPayload{VolumeHandle: 1, PageAddr: pg}))
		require.NoError(t, err)
	}
	keys := j.DrainPageMapOrdered(3)
	require.Len(t, keys, 3)
	require.Equal(t, uint64(1), keys[0].Page)
	require.Equal(t, uint64(2), keys[1].Page)
	require.Equal(t, uint64(3), keys[2].Page)
}

func TestAdvanceBaseAddressNeverMovesBackward(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "strata", 1<<20)
	require.NoError(t, err)
	defer j.Close()

	j.AdvanceBaseAddress(Address{Generation: 3, Offset: 10})
	j.AdvanceBaseAddress(Address{Generation: 2, Offset: 999})
	require.Equal(t, Address{Generation: 3, Offset: 10}, j.BaseAddress())

	j.AdvanceBaseAddress(Address{Generation: 3, Offset: 20})
	require.Equal(t, Address{Generation: 3, Offset: 20}, j.BaseAddress())
}

func TestRecoverRebuildsHandlesPageMapAndCommittedTxns(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "strata", 1<<20)
	require.NoError(t, err)

	ivPayload := append(uint32Bytes(7), []byte("orders.vol")...)
	_, err = j.Append(RecIV, 0, ivPayload)
	require.NoError(t, err)

	_, err = j.Append(RecTS, 10, nil)
	require.NoError(t, err)
	_, err = j.Append(RecPA, 10, EncodePA(PAPayload{VolumeHandle: 7, PageAddr: 3, Left: []byte("v")}))
	require.NoError(t, err)
	tcPayload := make([]byte, 8)
	binary.BigEndian.PutUint64(tcPayload, 10)
	_, err = j.Append(RecTC, 11, tcPayload)
	require.NoError(t, err)

	// An uncommitted transaction: TS with no following TC.
	_, err = j.Append(RecTS, 20, nil)
	require.NoError(t, err)
	_, err = j.Append(RecPA, 20, EncodePA(PAPayload{VolumeHandle: 7, PageAddr: 4, Left: []byte("uncommitted")}))
	require.NoError(t, err)

	require.NoError(t, j.Close())

	st, err := Recover(dir, "strata")
	require.NoError(t, err)
	require.Equal(t, "orders.vol", st.VolumeHandles[7])
	require.Equal(t, int64(11), st.CommittedTxns[10])
	_, stillPending := st.CommittedTxns[20]
	require.False(t, stillPending)

	_, haveImage := st.PageMap[PageKey{7, 3}]
	require.True(t, haveImage)
}

func TestRecoverFlagsTornTailWithoutFailing(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir, "strata", 1<<20)
	require.NoError(t, err)
	_, err = j.Append(RecTS, 1, nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())

	path := filepath.Join(dir, "strata.000001")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(data, 0x01, 0x02, 0x03), 0o600))

	st, err := Recover(dir, "strata")
	require.NoError(t, err)
	require.True(t, st.TornTail)
}

func uint32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

package volume

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vol")
	v, err := Create(path, 4096)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, 4096, reopened.PageSize())
}

func TestOpenRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.vol")
	require.NoError(t, os.WriteFile(path, make([]byte, 256), 0o600))
	_, err := Open(path)
	require.Error(t, err)
}

func TestAllocWriteReadPage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vol")
	v, err := Create(path, 4096)
	require.NoError(t, err)
	defer v.Close()

	addr, err := v.AllocPage()
	require.NoError(t, err)
	require.Equal(t, uint64(1), addr)

	payload := bytes.Repeat([]byte{0xAB}, 4096)
	require.NoError(t, v.WritePage(addr, payload))

	got, err := v.ReadPage(addr)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestFreeAndReallocReusesAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vol")
	v, err := Create(path, 4096)
	require.NoError(t, err)
	defer v.Close()

	a1, err := v.AllocPage()
	require.NoError(t, err)
	a2, err := v.AllocPage()
	require.NoError(t, err)
	require.NotEqual(t, a1, a2)

	require.NoError(t, v.FreePage(a1))

	a3, err := v.AllocPage()
	require.NoError(t, err)
	require.Equal(t, a1, a3, "freed page should be reused before extending the file")
}

func TestStatReportsGarbageChainLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vol")
	v, err := Create(path, 4096)
	require.NoError(t, err)
	defer v.Close()

	a1, _ := v.AllocPage()
	a2, _ := v.AllocPage()
	require.NoError(t, v.FreePage(a1))
	require.NoError(t, v.FreePage(a2))

	st := v.Stat()
	require.Equal(t, 2, st.GarbageLen)
}

func TestSetDirRootPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vol")
	v, err := Create(path, 4096)
	require.NoError(t, err)
	require.NoError(t, v.SetDirRoot(7))
	require.NoError(t, v.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint64(7), reopened.DirRoot())
}

func TestReadPageRejectsOutOfRangeAddress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.vol")
	v, err := Create(path, 4096)
	require.NoError(t, err)
	defer v.Close()

	_, err = v.ReadPage(99)
	require.Error(t, err)
}

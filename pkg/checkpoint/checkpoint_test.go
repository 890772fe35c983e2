package checkpoint

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/pkg/journal"
	"github.com/cuemby/strata/pkg/txn"
)

func TestProposerWaitsForActiveTransactionsBelowTimestamp(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, "strata", 1<<20)
	require.NoError(t, err)
	defer j.Close()

	ix := txn.New()
	tx := ix.Begin()
	p := NewProposer(j, ix)
	p.pollBackoff = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.RunOnce(ctx)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("checkpoint completed while a transaction older than it remained active")
	case <-time.After(20 * time.Millisecond):
	}

	ix.Commit(tx)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("checkpoint never completed after blocking transaction committed")
	}
	require.Greater(t, p.SafePoint(), int64(0))
}

func TestProposerProceedsImmediatelyWithNoActiveTransactions(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, "strata", 1<<20)
	require.NoError(t, err)
	defer j.Close()

	ix := txn.New()
	p := NewProposer(j, ix)
	res := p.RunOnce(context.Background())
	require.NoError(t, res.Err)
	require.Greater(t, p.SafePoint(), int64(0))
}

type fakeVolume struct {
	mu    sync.Mutex
	pages map[uint64][]byte
}

func (f *fakeVolume) PageSize() int { return 4096 }

func (f *fakeVolume) WritePage(addr uint64, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages == nil {
		f.pages = make(map[uint64][]byte)
	}
	f.pages[addr] = append([]byte(nil), data...)
	return nil
}

func TestCopierDrainsPageMapAndAdvancesBaseAddress(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, "strata", 1<<20)
	require.NoError(t, err)
	defer j.Close()

	addr, err := j.Append(journal.RecPA, 0, journal.EncodePA(journal.PAPayload{VolumeHandle: 1, PageAddr: 5, Left: []byte("hello")}))
	require.NoError(t, err)

	vol := &fakeVolume{}
	copier := NewCopier(j, nil, map[uint32]PageStoreReader{1: vol}, 10)

	res := copier.RunOnce(context.Background())
	require.NoError(t, res.Err)

	_, stillResident := j.PageMapLookup(1, 5)
	require.False(t, stillResident)
	require.True(t, j.BaseAddress() == addr || !j.BaseAddress().Less(addr))
}

func TestCopierIdleWhenPageMapEmpty(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, "strata", 1<<20)
	require.NoError(t, err)
	defer j.Close()

	copier := NewCopier(j, nil, map[uint32]PageStoreReader{}, 10)
	res := copier.RunOnce(context.Background())
	require.True(t, res.Idle)
}

func TestIOMeterThrottlesOverThreshold(t *testing.T) {
	m := NewIOMeter(50*time.Millisecond, 100)
	m.Record(200)
	start := time.Now()
	ok := m.Allow(context.Background())
	require.True(t, ok)
	require.GreaterOrEqual(t, time.Since(start), m.sleepStep)
}

func TestIOMeterAllowsUnderThreshold(t *testing.T) {
	m := NewIOMeter(50*time.Millisecond, 1000)
	m.Record(10)
	start := time.Now()
	ok := m.Allow(context.Background())
	require.True(t, ok)
	require.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestNilIOMeterNeverThrottles(t *testing.T) {
	var m *IOMeter
	require.True(t, m.Allow(context.Background()))
	m.Record(1000) // must not panic
}

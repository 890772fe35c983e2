package bufferpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu    sync.Mutex
	pages map[uint64][]byte
	next  uint64
}

func newFakeStore() *fakeStore {
	return &fakeStore{pages: make(map[uint64][]byte)}
}

func (s *fakeStore) ReadPage(addr uint64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.pages[addr]
	if !ok {
		return make([]byte, 4096), nil
	}
	return append([]byte(nil), data...), nil
}

func (s *fakeStore) WritePage(addr uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[addr] = append([]byte(nil), data...)
	return nil
}

func (s *fakeStore) AllocPage() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next, nil
}

func (s *fakeStore) FreePage(addr uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pages, addr)
	return nil
}

func TestClaimSharedAllowsConcurrentReaders(t *testing.T) {
	store := newFakeStore()
	pool := New(store, 4)
	ctx := context.Background()

	data, err := pool.Claim(ctx, 1, ClaimShared)
	require.NoError(t, err)
	require.Len(t, data, 4096)

	_, err = pool.Claim(ctx, 1, ClaimShared)
	require.NoError(t, err)

	pool.Release(1, ClaimShared, false)
	pool.Release(1, ClaimShared, false)
}

func TestClaimExclusiveBlocksUntilReleased(t *testing.T) {
	store := newFakeStore()
	pool := New(store, 4)
	ctx := context.Background()

	_, err := pool.Claim(ctx, 1, ClaimExclusive)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		_, err := pool.Claim(ctx, 1, ClaimExclusive)
		require.NoError(t, err)
		close(acquired)
		pool.Release(1, ClaimExclusive, false)
	}()

	select {
	case <-acquired:
		t.Fatal("second exclusive claim acquired before first released")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(1, ClaimExclusive, false)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second claim never acquired after release")
	}
}

func TestClaimRespectsContextCancellation(t *testing.T) {
	store := newFakeStore()
	pool := New(store, 4)
	ctx := context.Background()

	_, err := pool.Claim(ctx, 1, ClaimExclusive)
	require.NoError(t, err)

	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = pool.Claim(cctx, 1, ClaimExclusive)
	require.Error(t, err)

	pool.Release(1, ClaimExclusive, false)
}

func TestEvictionWritesBackDirtyPages(t *testing.T) {
	store := newFakeStore()
	pool := New(store, 1)
	ctx := context.Background()

	_, err := pool.Claim(ctx, 1, ClaimExclusive)
	require.NoError(t, err)
	pool.Update(1, []byte("dirty-contents-pad-to-4096-----"))
	pool.Release(1, ClaimExclusive, true)

	// Pool is at capacity; claiming a different page must evict page 1,
	// flushing its dirty content to the store first.
	_, err = pool.Claim(ctx, 2, ClaimShared)
	require.NoError(t, err)
	pool.Release(2, ClaimShared, false)

	raw, err := store.ReadPage(1)
	require.NoError(t, err)
	require.Contains(t, string(raw), "dirty-contents")
}

func TestEvictionFailsWhenEverythingPinned(t *testing.T) {
	store := newFakeStore()
	pool := New(store, 1)
	ctx := context.Background()

	_, err := pool.Claim(ctx, 1, ClaimShared)
	require.NoError(t, err)

	_, err = pool.Claim(ctx, 2, ClaimShared)
	require.Error(t, err)

	pool.Release(1, ClaimShared, false)
}

func TestAllocAndFree(t *testing.T) {
	store := newFakeStore()
	pool := New(store, 4)

	addr, err := pool.Alloc(4096)
	require.NoError(t, err)
	require.Equal(t, uint64(1), addr)
	require.Equal(t, 1, pool.Resident())

	require.NoError(t, pool.Free(addr))
	require.Equal(t, 0, pool.Resident())
}

func TestFlushWritesDirtyPagesWithoutEvicting(t *testing.T) {
	store := newFakeStore()
	pool := New(store, 4)
	ctx := context.Background()

	_, err := pool.Claim(ctx, 1, ClaimExclusive)
	require.NoError(t, err)
	pool.Update(1, []byte("flush-me"))
	pool.Release(1, ClaimExclusive, true)

	require.NoError(t, pool.Flush())
	require.Equal(t, 1, pool.Resident())

	raw, err := store.ReadPage(1)
	require.NoError(t, err)
	require.Contains(t, string(raw), "flush-me")
}

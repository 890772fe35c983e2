// Package bufferpool implements the engine's bounded, in-memory page
// cache: a fixed-capacity map of resident pages, reader/writer claims
// per page, eviction of unclaimed clean pages under pressure, and
// dirty-page write-back through a backing PageStore (spec §4.3).
//
// The claim discipline mirrors a single-writer/many-readers state
// machine: any number of goroutines may hold a shared (read) claim on a
// page concurrently, but an exclusive (write) claim excludes every
// other claim on that page until released.
package bufferpool

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/kverrors"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/page"
)

// PageStore is the backing store a Pool reads pages from and writes
// dirty pages back to. *volume.Volume implements it.
type PageStore interface {
	ReadPage(addr uint64) ([]byte, error)
	WritePage(addr uint64, data []byte) error
	AllocPage() (uint64, error)
	FreePage(addr uint64) error
}

// ClaimMode selects whether Claim acquires a shared or exclusive hold.
type ClaimMode int

const (
	ClaimShared ClaimMode = iota
	ClaimExclusive
)

// frame is one cache-resident page and its claim state.
type frame struct {
	addr    uint64
	data    []byte
	dirty   bool
	readers int
	writer  bool
	cond    *sync.Cond
	pinned  int // in-flight Claim() waiters/holders; prevents eviction
}

// Pool is a bounded page cache in front of a PageStore.
type Pool struct {
	mu       sync.Mutex
	store    PageStore
	capacity int
	frames   map[uint64]*frame
	lru      []uint64 // least-recently-unclaimed first

	// fastIndex caches each resident page's computed page.FastIndex
	// independently of the frame cache above: a claim only ever hands
	// out raw bytes, so every Claim re-unmarshals a brand new *page.Page
	// whose own lazily-computed index dies with that call. Keying the
	// index by page address here, across claims, is what makes the
	// fast index actually save repeated work rather than being
	// recomputed on every single Search (spec §3 "Fast index (per
	// page)", §8 property 2). Nil until EnableFastIndex is called.
	fastIndex *page.FastIndexPool
}

// New returns a Pool that keeps at most capacity pages resident.
func New(store PageStore, capacity int) *Pool {
	return &Pool{
		store:    store,
		capacity: capacity,
		frames:   make(map[uint64]*frame),
	}
}

// EnableFastIndex turns on the cross-claim fast index cache, retaining
// at most capacity pages' worth of computed indexes.
func (p *Pool) EnableFastIndex(capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fastIndex = page.NewFastIndexPool(capacity)
}

// FastIndex returns the cached fast index for addr, if the cache is
// enabled and holds one.
func (p *Pool) FastIndex(addr uint64) (*page.FastIndex, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fastIndex == nil {
		return nil, false
	}
	return p.fastIndex.Get(addr)
}

// CacheFastIndex stores fi as addr's fast index, if the cache is
// enabled.
func (p *Pool) CacheFastIndex(addr uint64, fi *page.FastIndex) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fastIndex != nil {
		p.fastIndex.Put(addr, fi)
	}
}

// Claim acquires a shared or exclusive hold on the page at addr,
// loading it from the store on a miss, and returns the page's current
// bytes. Release must be called exactly once per successful Claim.
func (p *Pool) Claim(ctx context.Context, addr uint64, mode ClaimMode) ([]byte, error) {
	start := time.Now()
	p.mu.Lock()
	f, ok := p.frames[addr]
	if !ok {
		var err error
		f, err = p.load(addr)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
		metrics.BufferPoolMissesTotal.WithLabelValues(strconv.Itoa(len(f.data))).Inc()
	} else {
		metrics.BufferPoolHitsTotal.WithLabelValues(strconv.Itoa(len(f.data))).Inc()
	}
	f.pinned++
	for {
		if mode == ClaimShared && !f.writer {
			f.readers++
			break
		}
		if mode == ClaimExclusive && !f.writer && f.readers == 0 {
			f.writer = true
			break
		}
		waitErr := p.wait(ctx, f)
		if waitErr != nil {
			f.pinned--
			p.mu.Unlock()
			return nil, waitErr
		}
	}
	p.unmarkLRU(addr)
	data := f.data
	p.mu.Unlock()
	metrics.BufferClaimWaitSeconds.Observe(time.Since(start).Seconds())
	return data, nil
}

// wait blocks on f.cond until signaled or ctx is canceled. The caller
// must hold p.mu; wait releases it while blocked and reacquires it
// before returning, matching sync.Cond.Wait's contract.
func (p *Pool) wait(ctx context.Context, f *frame) error {
	if f.cond == nil {
		f.cond = sync.NewCond(&p.mu)
	}
	done := make(chan struct{})
	var ctxErr error
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				ctxErr = ctx.Err()
				p.mu.Lock()
				f.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()
	}
	f.cond.Wait()
	close(done)
	if ctxErr != nil {
		return kverrors.New(kverrors.Interrupted, "bufferpool.Claim", "%v", ctxErr)
	}
	return nil
}

// Release gives up a claim acquired via Claim. If the page was mutated
// under an exclusive claim, pass dirty=true so it is written back
// before eviction.
func (p *Pool) Release(addr uint64, mode ClaimMode, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[addr]
	if !ok {
		return
	}
	if mode == ClaimExclusive {
		f.writer = false
		if dirty {
			f.dirty = true
		}
	} else {
		f.readers--
	}
	f.pinned--
	if f.pinned == 0 && !f.writer && f.readers == 0 {
		p.markLRU(addr)
	}
	if f.cond != nil {
		f.cond.Broadcast()
	}
}

// Update replaces a claimed page's bytes in place; the caller must
// currently hold an exclusive claim on addr.
func (p *Pool) Update(addr uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.frames[addr]; ok {
		f.data = data
		f.dirty = true
	}
	if p.fastIndex != nil {
		p.fastIndex.Invalidate(addr)
	}
}

// load reads a page into a fresh frame, evicting an unclaimed clean (or
// flushed) page first if the pool is at capacity. Caller holds p.mu.
func (p *Pool) load(addr uint64) (*frame, error) {
	if len(p.frames) >= p.capacity {
		if err := p.evictOne(); err != nil {
			return nil, err
		}
	}
	data, err := p.store.ReadPage(addr)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IO, "bufferpool.load", err)
	}
	f := &frame{addr: addr, data: data}
	p.frames[addr] = f
	return f, nil
}

// evictOne flushes and drops the least-recently-unclaimed page. Caller
// holds p.mu.
func (p *Pool) evictOne() error {
	for len(p.lru) > 0 {
		victim := p.lru[0]
		p.lru = p.lru[1:]
		f, ok := p.frames[victim]
		if !ok {
			continue
		}
		if f.pinned > 0 || f.writer || f.readers > 0 {
			continue
		}
		if f.dirty {
			if err := p.store.WritePage(victim, f.data); err != nil {
				return kverrors.Wrap(kverrors.IO, "bufferpool.evictOne", err)
			}
		}
		metrics.BufferPoolEvictionsTotal.WithLabelValues(strconv.Itoa(len(f.data))).Inc()
		delete(p.frames, victim)
		return nil
	}
	return kverrors.New(kverrors.InUse, "bufferpool.evictOne", "pool at capacity %d, no unclaimed page to evict", p.capacity)
}

func (p *Pool) markLRU(addr uint64)   { p.lru = append(p.lru, addr) }
func (p *Pool) unmarkLRU(addr uint64) {
	for i, a := range p.lru {
		if a == addr {
			p.lru = append(p.lru[:i], p.lru[i+1:]...)
			return
		}
	}
}

// Flush writes back every dirty resident page without evicting it.
func (p *Pool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, f := range p.frames {
		if f.dirty {
			if err := p.store.WritePage(addr, f.data); err != nil {
				return kverrors.Wrap(kverrors.IO, "bufferpool.Flush", err)
			}
			f.dirty = false
		}
	}
	return nil
}

// Resident reports how many pages are currently cached.
func (p *Pool) Resident() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames)
}

// Alloc asks the backing store for a fresh page address and seeds it
// as a clean, zero-filled resident page.
func (p *Pool) Alloc(pageSize int) (uint64, error) {
	addr, err := p.store.AllocPage()
	if err != nil {
		return 0, kverrors.Wrap(kverrors.IO, "bufferpool.Alloc", err)
	}
	p.mu.Lock()
	p.frames[addr] = &frame{addr: addr, data: make([]byte, pageSize)}
	p.mu.Unlock()
	log.WithComponent("bufferpool").Debug().Uint64("addr", addr).Msg("allocated page")
	return addr, nil
}

// Free releases addr back to the store's garbage chain and drops it
// from the cache.
func (p *Pool) Free(addr uint64) error {
	p.mu.Lock()
	delete(p.frames, addr)
	p.unmarkLRU(addr)
	p.mu.Unlock()
	return p.store.FreePage(addr)
}

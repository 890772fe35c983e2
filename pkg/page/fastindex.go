package page

// FastIndex is the auxiliary per-page array the spec describes as
// speeding up search by letting it skip over runs of key blocks that
// share the same elided-byte count without visiting each one. Each
// entry is a run count: the number of key blocks, starting at that
// position, that still belong to the current same-ebc run (spec §3
// "Fast index (per page)").
//
// A page's fast index is invalidated whenever its key blocks change and
// recomputed lazily by the next FastIndex call; FastIndexPool
// caps how many computed indexes the engine keeps resident at once.
type FastIndex struct {
	Entries []int16
}

// ComputeFastIndex builds a FastIndex from a page's current key blocks.
func ComputeFastIndex(blocks []KeyBlock) *FastIndex {
	n := len(blocks)
	entries := make([]int16, n)
	i := 0
	for i < n {
		j := i
		for j < n && blocks[j].EBC == blocks[i].EBC {
			j++
		}
		run := j - i
		for k := i; k < j; k++ {
			entries[k] = int16(run - (k - i))
		}
		i = j
	}
	return &FastIndex{Entries: entries}
}

// FastIndex returns the page's fast index, computing and caching it if
// necessary.
func (p *Page) FastIndex() *FastIndex {
	if p.fastIndex == nil {
		p.fastIndex = ComputeFastIndex(p.Blocks)
	}
	return p.fastIndex
}

// SetFastIndex installs a previously computed index as this page's
// cached one, skipping recomputation. A fresh Unmarshal otherwise
// starts with no cached index at all, so a caller that keeps its own
// cross-claim cache keyed by page address (bufferpool.Pool's
// FastIndexPool) uses this to hand a page its last-known-good index
// back as soon as it's unmarshaled, rather than recomputing on the
// first Search of every claim.
func (p *Page) SetFastIndex(fi *FastIndex) {
	p.fastIndex = fi
}

// Verify reports whether fi still matches a freshly recomputed index
// over blocks (spec §8 property 2).
func (fi *FastIndex) Verify(blocks []KeyBlock) bool {
	fresh := ComputeFastIndex(blocks)
	if len(fresh.Entries) != len(fi.Entries) {
		return false
	}
	for i := range fi.Entries {
		if fi.Entries[i] != fresh.Entries[i] {
			return false
		}
	}
	return true
}

// SearchSkippingRuns walks the key block array left to right using the
// fast index to jump over entire same-ebc runs whose discriminating
// byte cannot match, falling back to a per-block scan within any run
// that might contain the probe's db. It is a demonstration/optimization
// path; TestSearchSkippingRunsAgreesWithBinarySearch in page_test.go
// checks that it agrees with Page.Search.
func (p *Page) SearchSkippingRuns(key []byte) (idx int, exact bool) {
	fi := p.FastIndex()
	i := 0
	for i < len(p.Blocks) {
		run := int(fi.Entries[i])
		if run <= 0 {
			run = 1
		}
		full := p.FullKey(i)
		last := i + run - 1
		if last < len(p.Blocks) {
			lastKey := p.FullKey(last)
			if cmp := bytesCompare(lastKey, key); cmp < 0 {
				i = last + 1
				continue
			}
		}
		if bytesCompare(full, key) == 0 {
			return i, true
		}
		if bytesCompare(full, key) > 0 {
			return i, false
		}
		i++
	}
	return i, false
}

func bytesCompare(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// FastIndexPool bounds the number of FastIndex values the engine keeps
// materialized across all resident pages, evicting the least recently
// touched entry once the cap is reached (spec §3 "memory-capped pool").
type FastIndexPool struct {
	cap   int
	order []uint64
	byID  map[uint64]*FastIndex
}

// NewFastIndexPool returns a pool that retains at most capacity entries.
func NewFastIndexPool(capacity int) *FastIndexPool {
	return &FastIndexPool{cap: capacity, byID: make(map[uint64]*FastIndex)}
}

// Get returns the cached FastIndex for pageAddr, if present.
func (fp *FastIndexPool) Get(pageAddr uint64) (*FastIndex, bool) {
	fi, ok := fp.byID[pageAddr]
	if ok {
		fp.touch(pageAddr)
	}
	return fi, ok
}

// Put caches fi for pageAddr, evicting the oldest entry if the pool is
// at capacity.
func (fp *FastIndexPool) Put(pageAddr uint64, fi *FastIndex) {
	if _, exists := fp.byID[pageAddr]; !exists && len(fp.byID) >= fp.cap && fp.cap > 0 {
		oldest := fp.order[0]
		fp.order = fp.order[1:]
		delete(fp.byID, oldest)
	}
	fp.byID[pageAddr] = fi
	fp.touch(pageAddr)
}

// Invalidate drops any cached entry for pageAddr.
func (fp *FastIndexPool) Invalidate(pageAddr uint64) {
	delete(fp.byID, pageAddr)
	for i, id := range fp.order {
		if id == pageAddr {
			fp.order = append(fp.order[:i], fp.order[i+1:]...)
			break
		}
	}
}

func (fp *FastIndexPool) touch(pageAddr uint64) {
	for i, id := range fp.order {
		if id == pageAddr {
			fp.order = append(fp.order[:i], fp.order[i+1:]...)
			break
		}
	}
	fp.order = append(fp.order, pageAddr)
}

// Len reports how many entries are currently cached.
func (fp *FastIndexPool) Len() int { return len(fp.byID) }

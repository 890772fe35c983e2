// Package btree implements the engine's B-tree: pages claimed through
// a buffer pool, searched with the fast index, split and merged as
// they fill and drain, and storing each key's value as an MVCC
// version sequence so readers and writers never block each other
// (spec §4.2, §4.7).
//
// Descent to a leaf releases each index page's shared claim as soon
// as its child address is read rather than holding a latch chain down
// the whole path — a deliberate simplification of the teacher corpus's
// lock-coupling idiom, adequate for a single in-process engine where
// bufferpool.Pool's own claim discipline still serializes concurrent
// writers at the page they actually touch.
package btree

import (
	"bytes"
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/cuemby/strata/pkg/bufferpool"
	"github.com/cuemby/strata/pkg/cleanup"
	"github.com/cuemby/strata/pkg/journal"
	"github.com/cuemby/strata/pkg/kverrors"
	"github.com/cuemby/strata/pkg/mvcc"
	"github.com/cuemby/strata/pkg/page"
	"github.com/cuemby/strata/pkg/txn"
)

// JournalWriter is the subset of *journal.Journal a Tree needs to
// durably log page images for recovery (spec §4.6 "PA records").
type JournalWriter interface {
	Append(typ journal.RecordType, timestamp int64, payload []byte) (journal.Address, error)
}

// CleanupEnqueuer is the subset of *cleanup.Manager a Tree needs to
// defer maintenance work it discovers while merging sparse leaves
// (spec §4.4, §12).
type CleanupEnqueuer interface {
	Enqueue(kind cleanup.ActionKind, volume string, pageAddr uint64) error
}

// Tree is one ordered, MVCC-versioned key/value B-tree living inside a
// single volume.
type Tree struct {
	pool         *bufferpool.Pool
	jrnl         JournalWriter
	txns         *txn.Index
	volumeHandle uint32
	pageSize     int

	// cleanup and volumeName are optional: set via SetCleanup once the
	// owning volume is known. A Tree with neither set still works, it
	// just never enqueues a deallocated sibling page for reclamation
	// after a leaf merge.
	cleanup    CleanupEnqueuer
	volumeName string

	mu   sync.RWMutex
	root uint64
}

// Open wraps an existing root page address as a Tree. root is 0 for a
// brand new, still-empty tree; the first Put allocates a leaf root.
func Open(pool *bufferpool.Pool, jrnl JournalWriter, txns *txn.Index, volumeHandle uint32, pageSize int, root uint64) *Tree {
	return &Tree{pool: pool, jrnl: jrnl, txns: txns, volumeHandle: volumeHandle, pageSize: pageSize, root: root}
}

// SetCleanup attaches the cleanup manager a leaf merge should enqueue
// deallocated sibling pages to, and the volume name cleanup actions are
// recorded against.
func (t *Tree) SetCleanup(mgr CleanupEnqueuer, volumeName string) {
	t.cleanup = mgr
	t.volumeName = volumeName
}

// Root returns the tree's current root page address, 0 if empty.
func (t *Tree) Root() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.root
}

func (t *Tree) setRoot(addr uint64) {
	t.mu.Lock()
	t.root = addr
	t.mu.Unlock()
}

// Get returns the value visible to readerTS at key, if any.
func (t *Tree) Get(ctx context.Context, readerTS int64, key []byte) ([]byte, bool, error) {
	root := t.Root()
	if root == 0 {
		return nil, false, nil
	}
	addr := root
	for {
		data, err := t.pool.Claim(ctx, addr, bufferpool.ClaimShared)
		if err != nil {
			return nil, false, err
		}
		pg, err := page.Unmarshal(data)
		t.pool.Release(addr, bufferpool.ClaimShared, false)
		if err != nil {
			return nil, false, err
		}
		if pg.PageType == page.TypeIndex {
			addr = t.childFor(pg, key)
			continue
		}
		idx, exact := pg.Search(key)
		if !exact {
			return nil, false, nil
		}
		cell := mvcc.CellFromPayload(pg.Tails[idx].Payload)
		v, ok := cell.Visible(readerTS)
		if !ok || v.Deleted {
			return nil, false, nil
		}
		if v.Overflow {
			return t.readLongRecord(ctx, v.Payload)
		}
		return v.Payload, true, nil
	}
}

// Put appends a new version of key, written by tx, visible only to tx
// itself until it commits. Returns kverrors.InUse if another active
// transaction already holds an uncommitted write on key (caller should
// retry), or kverrors.Rollback if waiting for it would deadlock.
func (t *Tree) Put(ctx context.Context, tx *txn.Entry, key, value []byte) error {
	return t.write(ctx, tx, key, value, false)
}

// Delete appends a tombstone version of key, written by tx.
func (t *Tree) Delete(ctx context.Context, tx *txn.Entry, key []byte) error {
	return t.write(ctx, tx, key, nil, true)
}

// RangeDelete tombstones every key stored in [start, end), whether or
// not a version of it is visible to tx, walking leaves left to right via RightSibling chaining rather than
// re-descending from the root for each key (spec §4.2 "range delete").
// Each key is deleted through the ordinary write path, so it picks up
// the same write-write conflict detection and retry behavior as a
// single-key Delete.
func (t *Tree) RangeDelete(ctx context.Context, tx *txn.Entry, start, end []byte) error {
	root := t.Root()
	if root == 0 {
		return nil
	}
	path, err := t.descendPath(ctx, root, start)
	if err != nil {
		return err
	}
	addr := path[len(path)-1]
	for addr != 0 {
		data, err := t.pool.Claim(ctx, addr, bufferpool.ClaimShared)
		if err != nil {
			return err
		}
		pg, err := page.Unmarshal(data)
		t.pool.Release(addr, bufferpool.ClaimShared, false)
		if err != nil {
			return err
		}

		keys := pg.FullKeys()
		next := pg.RightSibling
		for _, key := range keys {
			if bytes.Compare(key, start) < 0 {
				continue
			}
			if bytes.Compare(key, end) >= 0 {
				return nil
			}
			if err := t.Delete(ctx, tx, key); err != nil {
				return err
			}
		}
		addr = next
	}
	return nil
}

// maxWriteRetries bounds the retry loop in write against a holder that
// keeps concluding (committing or aborting) between our read of the
// cell and our attempt to act on it. A holder's status only ever moves
// Active -> Committed or Active -> Aborted, never back, so in practice
// this converges in one or two iterations; the bound exists only to
// turn a hypothetical logic error into a returned error instead of a
// silent hang.
const maxWriteRetries = 1000

func (t *Tree) write(ctx context.Context, tx *txn.Entry, key, value []byte, deleted bool) error {
	if t.Root() == 0 {
		addr, err := t.newLeafRoot()
		if err != nil {
			return err
		}
		t.setRoot(addr)
	}

	for attempt := 0; ; attempt++ {
		if attempt >= maxWriteRetries {
			return kverrors.New(kverrors.InUse, "btree.write", "gave up after %d retries waiting on a concluding writer", maxWriteRetries)
		}

		path, err := t.descendPath(ctx, t.Root(), key)
		if err != nil {
			return err
		}
		leafAddr := path[len(path)-1]

		data, err := t.pool.Claim(ctx, leafAddr, bufferpool.ClaimExclusive)
		if err != nil {
			return err
		}
		pg, err := page.Unmarshal(data)
		if err != nil {
			t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
			return err
		}

		idx, exact := pg.Search(key)
		var existing []byte
		if exact {
			existing = pg.Tails[idx].Payload
		}
		cell := mvcc.CellFromPayload(existing)
		if holderTS := activeWriter(cell, tx.TS); holderTS != 0 {
			t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
			holder, ok := t.txns.Lookup(holderTS)
			if !ok {
				// Holder entry already pruned; its version is either
				// committed (now visible, safe to write alongside) or
				// aborted (ignored by activeWriter). Re-read the cell
				// and decide again rather than treating this as a
				// no-op.
				continue
			}
			if err := t.txns.RequestWritePermit(tx, holder); err != nil {
				return err // genuine conflict (InUse) or deadlock (Rollback)
			}
			// holder concluded between our read and this check: its
			// version is now either visible (committed) or ignorable
			// (aborted). Re-read the cell before acting rather than
			// silently treating this as "nothing to do".
			continue
		}

		return t.writeLeaf(ctx, tx, path, leafAddr, pg, key, value, deleted, cell)
	}
}

func (t *Tree) writeLeaf(ctx context.Context, tx *txn.Entry, path []uint64, leafAddr uint64, pg *page.Page, key, value []byte, deleted bool, cell *mvcc.Cell) error {
	payload, overflowAddr, err := t.encodeValue(value)
	if err != nil {
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	cell.AppendVersion(tx.TS, payload, deleted, overflowAddr != 0)

	if pg.Insert(key, cell.ToPayload()) {
		if err := t.writeBack(leafAddr, pg); err != nil {
			t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
			return err
		}
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, true)
		return nil
	}

	right, splitKey := pg.Split()
	newCellPayload := cell.ToPayload()
	if bytes.Compare(key, splitKey) < 0 {
		pg.Insert(key, newCellPayload)
	} else {
		right.Insert(key, newCellPayload)
	}
	rightAddr, err := t.pool.Alloc(t.pageSize)
	if err != nil {
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	pg.RightSibling = rightAddr
	if err := t.writeBack(rightAddr, right); err != nil {
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	if err := t.writeBack(leafAddr, pg); err != nil {
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	t.pool.Release(leafAddr, bufferpool.ClaimExclusive, true)

	ancestors := path[:len(path)-1]
	if len(ancestors) == 0 {
		return t.newIndexRoot(leafAddr, pg.FullKey(0), splitKey, rightAddr)
	}
	return t.insertIntoParent(ctx, ancestors, splitKey, rightAddr)
}

// CommitKey stamps the version tx wrote at key with its commit
// timestamp, making it visible to readers snapshotting at or after tc.
func (t *Tree) CommitKey(ctx context.Context, key []byte, ts, tc int64) error {
	return t.mutateCell(ctx, key, func(c *mvcc.Cell) { c.MarkCommitted(ts, tc) })
}

// AbortKey flags the version tx wrote at key as aborted so no reader
// will ever see it.
func (t *Tree) AbortKey(ctx context.Context, key []byte, ts int64) error {
	return t.mutateCell(ctx, key, func(c *mvcc.Cell) { c.MarkAborted(ts) })
}

// mutateCell applies fn to the MVCC cell at key (used by CommitKey and
// AbortKey to conclude a write), then immediately prunes that cell
// down to what OldestActive still needs — the commit/abort of a write
// is the moment its cell's shape just changed, making it the cheapest
// and most natural point to reclaim whatever the conclusion just made
// unreachable, rather than waiting for a separate periodic sweep
// (spec §4.4, §12 "cleanup action total order"). If pruning empties
// the cell entirely (a key whose only versions all aborted, or whose
// sole surviving version is itself a tombstone no reader can still
// need), the key's slot is dropped from the page outright, and the
// leaf is checked for a sibling merge.
func (t *Tree) mutateCell(ctx context.Context, key []byte, fn func(*mvcc.Cell)) error {
	root := t.Root()
	if root == 0 {
		return kverrors.New(kverrors.InvalidPageAddress, "btree.mutateCell", "tree is empty")
	}
	path, err := t.descendPath(ctx, root, key)
	if err != nil {
		return err
	}
	leafAddr := path[len(path)-1]
	data, err := t.pool.Claim(ctx, leafAddr, bufferpool.ClaimExclusive)
	if err != nil {
		return err
	}
	pg, err := page.Unmarshal(data)
	if err != nil {
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	idx, exact := pg.Search(key)
	if !exact {
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
		return kverrors.New(kverrors.InvalidPageAddress, "btree.mutateCell", "key not found")
	}
	cell := mvcc.CellFromPayload(pg.Tails[idx].Payload)
	fn(cell)
	cell.Prune(t.pruneFloor())
	if cell.Len() == 0 {
		pg.Remove(idx)
	} else {
		pg.Insert(key, cell.ToPayload())
	}
	if err := t.writeBack(leafAddr, pg); err != nil {
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	t.pool.Release(leafAddr, bufferpool.ClaimExclusive, true)

	return t.maybeMergeSparse(ctx, path, leafAddr, pg)
}

// pruneFloor returns the floor below which a committed version can no
// longer be visible to any reader: the oldest still-active
// transaction's start timestamp, or (if none are active) a ceiling
// high enough that every committed version so far is prunable, since
// no reader exists below it.
func (t *Tree) pruneFloor() int64 {
	if floor, ok := t.txns.OldestActive(); ok {
		return floor
	}
	return math.MaxInt64
}

// maybeMergeSparse merges leaf (at leafAddr, already written back)
// with its right sibling when pruning has left it sparse enough that
// the two combine into one page, removing the now-obsolete separator
// from the parent index page and enqueuing the vacated sibling for
// deallocation (spec §4.2 "merge with sibling or rebalance", §4.4).
// It only ever merges one level; a parent left sparse by the removed
// separator is not itself cascaded into a further merge.
func (t *Tree) maybeMergeSparse(ctx context.Context, path []uint64, leafAddr uint64, pg *page.Page) error {
	if pg.FreeSpace() < pg.PageSize*3/4 || pg.RightSibling == 0 {
		return nil
	}

	rightAddr := pg.RightSibling
	rightData, err := t.pool.Claim(ctx, rightAddr, bufferpool.ClaimExclusive)
	if err != nil {
		return err
	}
	right, err := page.Unmarshal(rightData)
	if err != nil {
		t.pool.Release(rightAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	if pg.CombinedSize(right) > t.pageSize {
		t.pool.Release(rightAddr, bufferpool.ClaimExclusive, false)
		return nil
	}

	leafData, err := t.pool.Claim(ctx, leafAddr, bufferpool.ClaimExclusive)
	if err != nil {
		t.pool.Release(rightAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	leaf, err := page.Unmarshal(leafData)
	if err != nil {
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
		t.pool.Release(rightAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	leaf.Merge(right)
	if err := t.writeBack(leafAddr, leaf); err != nil {
		t.pool.Release(leafAddr, bufferpool.ClaimExclusive, false)
		t.pool.Release(rightAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	t.pool.Release(leafAddr, bufferpool.ClaimExclusive, true)
	t.pool.Release(rightAddr, bufferpool.ClaimExclusive, false)

	if len(path) > 1 {
		if err := t.removeChildPointer(ctx, path[:len(path)-1], rightAddr); err != nil {
			return err
		}
	}

	if t.cleanup != nil {
		if err := t.cleanup.Enqueue(cleanup.KindDeallocatePage, t.volumeName, rightAddr); err != nil {
			return kverrors.Wrap(kverrors.IO, "btree.maybeMergeSparse", err)
		}
	}
	return nil
}

// removeChildPointer drops the index entry pointing at childAddr from
// the nearest ancestor that holds one, used after a leaf merge retires
// its right sibling.
func (t *Tree) removeChildPointer(ctx context.Context, ancestors []uint64, childAddr uint64) error {
	parentAddr := ancestors[len(ancestors)-1]
	data, err := t.pool.Claim(ctx, parentAddr, bufferpool.ClaimExclusive)
	if err != nil {
		return err
	}
	pg, err := page.Unmarshal(data)
	if err != nil {
		t.pool.Release(parentAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	for i, tail := range pg.Tails {
		if decodeChildAddr(tail.Payload) == childAddr {
			pg.Remove(i)
			break
		}
	}
	if err := t.writeBack(parentAddr, pg); err != nil {
		t.pool.Release(parentAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	t.pool.Release(parentAddr, bufferpool.ClaimExclusive, true)
	return nil
}

// activeWriter returns the start timestamp of another transaction's
// still-uncommitted write on cell, or 0 if none exists.
func activeWriter(cell *mvcc.Cell, ownTS int64) int64 {
	for _, v := range cell.Versions {
		if v.Aborted {
			continue
		}
		if v.TC == 0 && v.TS != ownTS {
			return v.TS
		}
	}
	return 0
}

// childFor returns the child page address to descend into for key. An
// index page's entry i holds the minimum key reachable through child
// i, so the correct child is the entry with the largest key not
// exceeding the search key.
func (t *Tree) childFor(pg *page.Page, key []byte) uint64 {
	idx, exact := pg.Search(key)
	if exact {
		return decodeChildAddr(pg.Tails[idx].Payload)
	}
	if idx == 0 {
		// key precedes every separator (out of this subtree's range);
		// fall back to the leftmost child as the closest match.
		return decodeChildAddr(pg.Tails[0].Payload)
	}
	return decodeChildAddr(pg.Tails[idx-1].Payload)
}

func (t *Tree) descendPath(ctx context.Context, root uint64, key []byte) ([]uint64, error) {
	var path []uint64
	addr := root
	for {
		path = append(path, addr)
		data, err := t.pool.Claim(ctx, addr, bufferpool.ClaimShared)
		if err != nil {
			return nil, err
		}
		pg, err := page.Unmarshal(data)
		t.pool.Release(addr, bufferpool.ClaimShared, false)
		if err != nil {
			return nil, err
		}
		if pg.PageType != page.TypeIndex {
			return path, nil
		}
		addr = t.childFor(pg, key)
	}
}

// insertIntoParent installs (key, childAddr) into the nearest ancestor
// index page, splitting and recursing upward if it doesn't fit, and
// promoting a new root when the split reaches the top of ancestors.
func (t *Tree) insertIntoParent(ctx context.Context, ancestors []uint64, key []byte, childAddr uint64) error {
	parentAddr := ancestors[len(ancestors)-1]
	data, err := t.pool.Claim(ctx, parentAddr, bufferpool.ClaimExclusive)
	if err != nil {
		return err
	}
	pg, err := page.Unmarshal(data)
	if err != nil {
		t.pool.Release(parentAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	if pg.Insert(key, encodeChildAddr(childAddr)) {
		if err := t.writeBack(parentAddr, pg); err != nil {
			t.pool.Release(parentAddr, bufferpool.ClaimExclusive, false)
			return err
		}
		t.pool.Release(parentAddr, bufferpool.ClaimExclusive, true)
		return nil
	}

	right, splitKey := pg.Split()
	if bytes.Compare(key, splitKey) < 0 {
		pg.Insert(key, encodeChildAddr(childAddr))
	} else {
		right.Insert(key, encodeChildAddr(childAddr))
	}
	rightAddr, err := t.pool.Alloc(t.pageSize)
	if err != nil {
		t.pool.Release(parentAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	if err := t.writeBack(rightAddr, right); err != nil {
		t.pool.Release(parentAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	if err := t.writeBack(parentAddr, pg); err != nil {
		t.pool.Release(parentAddr, bufferpool.ClaimExclusive, false)
		return err
	}
	t.pool.Release(parentAddr, bufferpool.ClaimExclusive, true)

	if len(ancestors) == 1 {
		return t.newIndexRoot(parentAddr, pg.FullKey(0), splitKey, rightAddr)
	}
	return t.insertIntoParent(ctx, ancestors[:len(ancestors)-1], splitKey, rightAddr)
}

func (t *Tree) newLeafRoot() (uint64, error) {
	addr, err := t.pool.Alloc(t.pageSize)
	if err != nil {
		return 0, err
	}
	leaf := page.New(page.TypeData, t.pageSize)
	if err := t.writeBack(addr, leaf); err != nil {
		return 0, err
	}
	return addr, nil
}

// newIndexRoot builds a fresh two-child root index page. Every index
// page's first entry key is the minimum key in its own subtree (set
// here to leftMinKey, the left child's smallest key), so descent never
// needs a separate sentinel for the leftmost child (spec §4.2).
func (t *Tree) newIndexRoot(leftAddr uint64, leftMinKey []byte, splitKey []byte, rightAddr uint64) error {
	idxPage := page.New(page.TypeIndex, t.pageSize)
	idxPage.Insert(leftMinKey, encodeChildAddr(leftAddr))
	idxPage.Insert(splitKey, encodeChildAddr(rightAddr))
	addr, err := t.pool.Alloc(t.pageSize)
	if err != nil {
		return err
	}
	if err := t.writeBack(addr, idxPage); err != nil {
		return err
	}
	t.setRoot(addr)
	return nil
}

// writeBack marshals pg, installs it in the buffer pool, and logs a PA
// record carrying the full page image for recovery.
func (t *Tree) writeBack(addr uint64, pg *page.Page) error {
	data, err := pg.Marshal()
	if err != nil {
		return kverrors.Wrap(kverrors.IO, "btree.writeBack", err)
	}
	t.pool.Update(addr, data)
	if t.jrnl != nil {
		payload := journal.EncodePA(journal.PAPayload{
			VolumeHandle: t.volumeHandle,
			PageAddr:     addr,
			LeftSize:     uint32(len(data)),
			Left:         data,
		})
		if _, err := t.jrnl.Append(journal.RecPA, 0, payload); err != nil {
			return kverrors.Wrap(kverrors.IO, "btree.writeBack", err)
		}
	}
	return nil
}

func encodeChildAddr(addr uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, addr)
	return buf
}

func decodeChildAddr(payload []byte) uint64 {
	if len(payload) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(payload)
}

package btree

import (
	"context"

	"github.com/cuemby/strata/pkg/bufferpool"
	"github.com/cuemby/strata/pkg/mvcc"
	"github.com/cuemby/strata/pkg/page"
)

// Cursor walks a tree's leaves in ascending key order, following
// RightSibling links, filtering each cell to what's visible at a fixed
// reader snapshot (spec §4.2 "cursor traversal").
type Cursor struct {
	tree     *Tree
	readerTS int64
	pg       *page.Page
	idx      int
}

// NewCursor positions a Cursor at the first key greater than or equal
// to start. A nil or empty start begins at the tree's first key.
func (t *Tree) NewCursor(ctx context.Context, readerTS int64, start []byte) (*Cursor, error) {
	root := t.Root()
	if root == 0 {
		return &Cursor{tree: t, readerTS: readerTS}, nil
	}
	path, err := t.descendPath(ctx, root, start)
	if err != nil {
		return nil, err
	}
	leafAddr := path[len(path)-1]
	data, err := t.pool.Claim(ctx, leafAddr, bufferpool.ClaimShared)
	if err != nil {
		return nil, err
	}
	pg, err := page.Unmarshal(data)
	t.pool.Release(leafAddr, bufferpool.ClaimShared, false)
	if err != nil {
		return nil, err
	}
	idx, _ := pg.Search(start)
	return &Cursor{tree: t, readerTS: readerTS, pg: pg, idx: idx}, nil
}

// Next advances the cursor and returns the next visible key/value
// pair. ok is false once the cursor is exhausted.
func (c *Cursor) Next(ctx context.Context) (key, value []byte, ok bool, err error) {
	for {
		if c.pg == nil {
			return nil, nil, false, nil
		}
		for c.idx < c.pg.KeyCount() {
			k := c.pg.FullKey(c.idx)
			cell := mvcc.CellFromPayload(c.pg.Tails[c.idx].Payload)
			v, visible := cell.Visible(c.readerTS)
			c.idx++
			if !visible || v.Deleted {
				continue
			}
			if v.Overflow {
				full, _, err := c.tree.readLongRecord(ctx, v.Payload)
				if err != nil {
					return nil, nil, false, err
				}
				return k, full, true, nil
			}
			return k, v.Payload, true, nil
		}
		next := c.pg.RightSibling
		if next == 0 {
			c.pg = nil
			return nil, nil, false, nil
		}
		data, err := c.tree.pool.Claim(ctx, next, bufferpool.ClaimShared)
		if err != nil {
			return nil, nil, false, err
		}
		pg, err := page.Unmarshal(data)
		c.tree.pool.Release(next, bufferpool.ClaimShared, false)
		if err != nil {
			return nil, nil, false, err
		}
		c.pg = pg
		c.idx = 0
	}
}

// ReverseCursor walks a tree's leaves in descending key order, for
// LT-from-AFTER range scans (seed scenario S2). Leaves are singly
// linked by RightSibling only, so unlike Cursor it cannot just follow
// a pointer backward: once a page's entries are exhausted it
// re-descends from the root to find the leaf immediately to its left.
type ReverseCursor struct {
	tree     *Tree
	readerTS int64
	pg       *page.Page
	idx      int
}

// NewReverseCursor positions a ReverseCursor at the largest key less
// than or equal to end. A nil end begins at the tree's last key.
func (t *Tree) NewReverseCursor(ctx context.Context, readerTS int64, end []byte) (*ReverseCursor, error) {
	root := t.Root()
	if root == 0 {
		return &ReverseCursor{tree: t, readerTS: readerTS}, nil
	}
	var pg *page.Page
	var err error
	if end == nil {
		pg, err = t.rightmostLeaf(ctx, root)
	} else {
		pg, err = t.leafFor(ctx, root, end)
	}
	if err != nil {
		return nil, err
	}
	idx := pg.KeyCount() - 1
	if end != nil {
		sidx, exact := pg.Search(end)
		if !exact {
			sidx--
		}
		idx = sidx
	}
	return &ReverseCursor{tree: t, readerTS: readerTS, pg: pg, idx: idx}, nil
}

// Next advances the cursor and returns the next visible key/value pair
// in descending order. ok is false once the cursor is exhausted.
func (c *ReverseCursor) Next(ctx context.Context) (key, value []byte, ok bool, err error) {
	for {
		if c.pg == nil {
			return nil, nil, false, nil
		}
		for c.idx >= 0 {
			k := c.pg.FullKey(c.idx)
			cell := mvcc.CellFromPayload(c.pg.Tails[c.idx].Payload)
			v, visible := cell.Visible(c.readerTS)
			c.idx--
			if !visible || v.Deleted {
				continue
			}
			if v.Overflow {
				full, _, err := c.tree.readLongRecord(ctx, v.Payload)
				if err != nil {
					return nil, nil, false, err
				}
				return k, full, true, nil
			}
			return k, v.Payload, true, nil
		}
		if c.pg.KeyCount() == 0 {
			c.pg = nil
			return nil, nil, false, nil
		}
		firstKey := c.pg.FullKey(0)
		pred, err := c.tree.predecessorLeaf(ctx, firstKey)
		if err != nil {
			return nil, nil, false, err
		}
		if pred == nil {
			c.pg = nil
			return nil, nil, false, nil
		}
		c.pg = pred
		c.idx = pred.KeyCount() - 1
	}
}

// rightmostLeaf descends always taking the last child, reaching the
// tree's highest-keyed leaf.
func (t *Tree) rightmostLeaf(ctx context.Context, addr uint64) (*page.Page, error) {
	for {
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
			return pg, nil
		}
		addr = decodeChildAddr(pg.Tails[pg.KeyCount()-1].Payload)
	}
}

// leafFor returns the leaf page that would hold key.
func (t *Tree) leafFor(ctx context.Context, root uint64, key []byte) (*page.Page, error) {
	path, err := t.descendPath(ctx, root, key)
	if err != nil {
		return nil, err
	}
	leafAddr := path[len(path)-1]
	data, err := t.pool.Claim(ctx, leafAddr, bufferpool.ClaimShared)
	if err != nil {
		return nil, err
	}
	pg, err := page.Unmarshal(data)
	t.pool.Release(leafAddr, bufferpool.ClaimShared, false)
	return pg, err
}

// predecessorLeaf finds the leaf immediately to the left of the leaf
// holding key, by walking back up that leaf's descent path until an
// ancestor index page has a left sibling subtree, then descending that
// subtree's rightmost path. Returns nil if key's leaf is already the
// tree's leftmost leaf.
func (t *Tree) predecessorLeaf(ctx context.Context, key []byte) (*page.Page, error) {
	root := t.Root()
	if root == 0 {
		return nil, nil
	}
	path, err := t.descendPath(ctx, root, key)
	if err != nil {
		return nil, err
	}
	for level := len(path) - 2; level >= 0; level-- {
		addr := path[level]
		data, err := t.pool.Claim(ctx, addr, bufferpool.ClaimShared)
		if err != nil {
			return nil, err
		}
		pg, err := page.Unmarshal(data)
		t.pool.Release(addr, bufferpool.ClaimShared, false)
		if err != nil {
			return nil, err
		}
		childAddr := path[level+1]
		pos := -1
		for i := 0; i < pg.KeyCount(); i++ {
			if decodeChildAddr(pg.Tails[i].Payload) == childAddr {
				pos = i
				break
			}
		}
		if pos > 0 {
			leftChild := decodeChildAddr(pg.Tails[pos-1].Payload)
			return t.rightmostLeaf(ctx, leftChild)
		}
	}
	return nil, nil
}

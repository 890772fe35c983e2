// Package page implements the engine's fixed-size page layout: a header,
// a sorted array of key blocks using prefix elision (ebc/db), and a tail
// area holding key suffixes and values/child pointers (spec §3, §4.2,
// §6).
//
// The on-disk byte layout is exactly as spec.md §6 describes. In memory,
// a Page keeps its key blocks and tails as parallel slices rather than
// manipulating a raw byte buffer directly — Marshal/Unmarshal translate
// between the two representations, computing true tail offsets only at
// serialization time. This keeps the elision/split/merge algorithms
// readable while still producing the documented on-disk format.
package page

import (
	"bytes"
	"fmt"

	"github.com/cuemby/strata/pkg/kverrors"
)

// Type identifies the role a page plays in a tree.
type Type uint8

const (
	TypeData Type = iota + 1 // leaf page
	TypeIndex
	TypeLongRecord
)

// HeaderSize is the fixed size, in bytes, of the page header (spec §6).
const HeaderSize = 32

// KeyBlockSize is the fixed size, in bytes, of one on-disk key block
// entry: db (1), ebc (1), reserved (2), tailOffset (2), reserved (2).
const KeyBlockSize = 8

// MaxEBC is the largest elided-byte count representable in one key
// block. Keys sharing a longer common prefix with their predecessor
// still only elide MaxEBC bytes; the remainder becomes part of the
// discriminating suffix. This keeps the on-disk field (one byte) exact
// while remaining correct for arbitrarily long keys.
const MaxEBC = 255

// KeyBlock is one page-resident reference to a key: the count of bytes
// elided against the predecessor key, the first byte beyond that
// prefix, and (after Marshal) the page offset of its tail slab.
type KeyBlock struct {
	EBC        uint8
	DB         byte
	TailOffset uint16 // valid only after Marshal/Unmarshal
}

// Tail holds the non-elided suffix of a key plus its associated
// payload: a value, for a data page, or an 8-byte big-endian child page
// address, for an index page.
type Tail struct {
	KeySuffix []byte
	Payload   []byte
}

// Page is the in-memory representation of one fixed-size page.
type Page struct {
	PageType     Type
	PageSize     int
	RightSibling uint64
	Timestamp    uint64
	Generation   uint64

	Blocks []KeyBlock
	Tails  []Tail // parallel to Blocks

	fastIndex *FastIndex // nil until Computed; invalidated on structural change
}

// New returns an empty page of the given type and size.
func New(typ Type, pageSize int) *Page {
	return &Page{PageType: typ, PageSize: pageSize}
}

// KeyCount returns the number of key blocks on the page.
func (p *Page) KeyCount() int { return len(p.Blocks) }

// FullKey reconstructs the complete key at index i by walking backward
// through the page accumulating elided prefixes.
func (p *Page) FullKey(i int) []byte {
	if i < 0 || i >= len(p.Blocks) {
		return nil
	}
	suffix := p.Tails[i].KeySuffix
	ebc := int(p.Blocks[i].EBC)
	if ebc == 0 {
		out := make([]byte, 0, 1+len(suffix))
		out = append(out, p.Blocks[i].DB)
		out = append(out, suffix...)
		return out
	}
	prev := p.FullKey(i - 1)
	if ebc > len(prev) {
		ebc = len(prev)
	}
	out := make([]byte, 0, ebc+1+len(suffix))
	out = append(out, prev[:ebc]...)
	out = append(out, p.Blocks[i].DB)
	out = append(out, suffix...)
	return out
}

// FullKeys reconstructs every key on the page, in ascending order.
func (p *Page) FullKeys() [][]byte {
	keys := make([][]byte, len(p.Blocks))
	var prev []byte
	for i := range p.Blocks {
		ebc := int(p.Blocks[i].EBC)
		if ebc > len(prev) {
			ebc = len(prev)
		}
		k := make([]byte, 0, ebc+1+len(p.Tails[i].KeySuffix))
		k = append(k, prev[:ebc]...)
		k = append(k, p.Blocks[i].DB)
		k = append(k, p.Tails[i].KeySuffix...)
		keys[i] = k
		prev = k
	}
	return keys
}

// Search locates the insertion point for key: the smallest index i such
// that FullKey(i) >= key, and whether FullKey(i) == key exactly.
func (p *Page) Search(key []byte) (idx int, exact bool) {
	keys := p.FullKeys()
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := bytes.Compare(keys[mid], key)
		if c == 0 {
			return mid, true
		} else if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// elideAgainst computes (ebc, db, suffix) for key given its predecessor.
func elideAgainst(pred, key []byte) (uint8, byte, []byte) {
	if len(key) == 0 {
		// The empty key sorts before every other key (used as a B-tree
		// index page's leftmost-child sentinel); it has no discriminating
		// byte to elide against anything.
		return 0, 0, nil
	}
	max := len(pred)
	if max > len(key)-1 {
		max = len(key) - 1
	}
	if max > MaxEBC {
		max = MaxEBC
	}
	n := 0
	for n < max && pred[n] == key[n] {
		n++
	}
	if n >= len(key) {
		// key is a prefix of, or equal to, pred — cannot happen for
		// strictly ascending distinct keys, but degrade gracefully.
		n = len(key) - 1
		if n < 0 {
			n = 0
		}
	}
	db := byte(0)
	if n < len(key) {
		db = key[n]
	}
	suffix := append([]byte(nil), key[n+1:]...)
	return uint8(n), db, suffix
}

// Insert adds key/payload at its sorted position, recomputing the
// elision of key and of its new successor (if any). ok is false when
// the page has insufficient free space; callers must split first.
func (p *Page) Insert(key, payload []byte) (ok bool) {
	idx, exact := p.Search(key)
	if exact {
		// update in place: replacement tail must not exceed available
		// free space once the old tail is reclaimed.
		oldSize := tailSize(p.Tails[idx])
		if p.FreeSpace()+oldSize < p.entrySize(key, payload) {
			return false
		}
		_, db, suffix := p.keyParts(idx, key)
		p.Blocks[idx].DB = db
		p.Tails[idx] = Tail{KeySuffix: suffix, Payload: append([]byte(nil), payload...)}
		p.invalidateFastIndex()
		return true
	}
	// Worst case the new key shares no prefix with its predecessor and
	// the successor's elision shrinks to zero, so budget for both full
	// keys plus the new entry's own key block.
	needed := p.entrySize(key, payload)
	if idx < len(p.Blocks) {
		needed += len(p.FullKey(idx))
	}
	if p.FreeSpace() < needed {
		return false
	}
	var ebc uint8
	var db byte
	var suffix []byte
	if idx == 0 {
		ebc, db, suffix = elideAgainst(nil, key)
	} else {
		ebc, db, suffix = elideAgainst(p.FullKey(idx-1), key)
	}
	blk := KeyBlock{EBC: ebc, DB: db}
	tail := Tail{KeySuffix: suffix, Payload: append([]byte(nil), payload...)}

	p.Blocks = append(p.Blocks, KeyBlock{})
	copy(p.Blocks[idx+1:], p.Blocks[idx:])
	p.Blocks[idx] = blk
	p.Tails = append(p.Tails, Tail{})
	copy(p.Tails[idx+1:], p.Tails[idx:])
	p.Tails[idx] = tail

	// The successor's ebc/db/suffix still decode correctly against the
	// shifted Blocks/Tails (its elided prefix is a prefix of both the
	// old and the new predecessor, since the new predecessor shares
	// that same ancestry), so FullKey(idx+1) is still valid here. Use
	// it to re-root the successor's elision against the newly inserted
	// key rather than its original predecessor.
	if idx+1 < len(p.Blocks) {
		succKey := p.FullKey(idx + 1)
		ebc2, db2, suf2 := elideAgainst(key, succKey)
		p.Blocks[idx+1].EBC = ebc2
		p.Blocks[idx+1].DB = db2
		p.Tails[idx+1].KeySuffix = suf2
	}
	p.invalidateFastIndex()
	return true
}

func (p *Page) keyParts(idx int, key []byte) (uint8, byte, []byte) {
	if idx == 0 {
		e, d, s := elideAgainst(nil, key)
		return e, d, s
	}
	return elideAgainst(p.FullKey(idx-1), key)
}

// Remove deletes the key block and tail at idx, recomputing the
// successor's elision against the new predecessor.
func (p *Page) Remove(idx int) {
	if idx < 0 || idx >= len(p.Blocks) {
		return
	}
	var pred []byte
	if idx > 0 {
		pred = p.FullKey(idx - 1)
	}
	p.Blocks = append(p.Blocks[:idx], p.Blocks[idx+1:]...)
	p.Tails = append(p.Tails[:idx], p.Tails[idx+1:]...)
	if idx < len(p.Blocks) {
		succKey := p.keyWithPredecessor(idx, pred)
		ebc, db, suf := elideAgainst(pred, succKey)
		p.Blocks[idx].EBC = ebc
		p.Blocks[idx].DB = db
		p.Tails[idx].KeySuffix = suf
	}
	p.invalidateFastIndex()
}

// keyWithPredecessor reconstructs the full key at idx using an explicit
// predecessor (used when the natural predecessor has just been removed).
func (p *Page) keyWithPredecessor(idx int, pred []byte) []byte {
	ebc := int(p.Blocks[idx].EBC)
	if ebc > len(pred) {
		ebc = len(pred)
	}
	out := make([]byte, 0, ebc+1+len(p.Tails[idx].KeySuffix))
	out = append(out, pred[:ebc]...)
	out = append(out, p.Blocks[idx].DB)
	out = append(out, p.Tails[idx].KeySuffix...)
	return out
}

func tailSize(t Tail) int {
	return 6 + len(t.KeySuffix) + len(t.Payload)
}

func (p *Page) entrySize(key, payload []byte) int {
	return KeyBlockSize + 6 + len(key) + len(payload)
}

// UsedBytes returns the number of bytes currently occupied by key
// blocks and tails.
func (p *Page) UsedBytes() int {
	used := 0
	for i := range p.Blocks {
		used += KeyBlockSize + tailSize(p.Tails[i])
	}
	return used
}

// FreeSpace returns the bytes available for new key blocks and tails:
// page size minus header minus bytes already used.
func (p *Page) FreeSpace() int {
	return p.PageSize - HeaderSize - p.UsedBytes()
}

func (p *Page) invalidateFastIndex() { p.fastIndex = nil }

// Validate checks the structural invariants from spec §8 property 1.
func (p *Page) Validate() error {
	if len(p.Blocks) == 0 {
		return nil
	}
	if p.Blocks[0].EBC != 0 {
		return kverrors.New(kverrors.CorruptVolume, "page.Validate", "ebc[0]=%d, want 0", p.Blocks[0].EBC)
	}
	keys := p.FullKeys()
	for i := 1; i < len(keys); i++ {
		if bytes.Compare(keys[i-1], keys[i]) >= 0 {
			return kverrors.New(kverrors.CorruptVolume, "page.Validate", "keys not strictly ascending at %d", i)
		}
		if int(p.Blocks[i].EBC) > len(keys[i-1]) {
			return kverrors.New(kverrors.CorruptVolume, "page.Validate", "ebc[%d]=%d exceeds predecessor length %d", i, p.Blocks[i].EBC, len(keys[i-1]))
		}
	}
	return nil
}

func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeIndex:
		return "index"
	case TypeLongRecord:
		return "long-record"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}

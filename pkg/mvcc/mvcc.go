// Package mvcc implements the per-cell version/payload sequence that
// gives every key's value its multi-version history: each write adds a
// version stamped with its writer's start timestamp, later marked
// committed (with a commit timestamp) or dropped on abort; reads walk
// the sequence to find the newest version visible to their snapshot
// (spec §3, §4.7).
package mvcc

import (
	"sync"

	"github.com/cuemby/strata/pkg/metrics"
)

// Version is one write to a cell: the writer's start timestamp, its
// commit timestamp once known (0 until then), whether the writer
// aborted, whether this write is a tombstone (delete), and the payload
// bytes (nil for a tombstone).
//
// TS and Step together form the version handle the glossary describes
// (`version_handle = (timestamp<<k)|step`): Step is a sub-counter, zero
// for a transaction's first write to this cell and incrementing for
// each subsequent write the same transaction makes to the same cell
// before it concludes, so repeated writes to one key within a single
// transaction get distinct, individually addressable versions instead
// of colliding on TS alone.
type Version struct {
	TS      int64
	Step    int
	TC      int64
	Aborted bool
	Deleted bool
	// Overflow marks Payload as a long-record pointer (first overflow
	// page address + total length) rather than the literal value; see
	// pkg/btree's long-record chain handling (spec §4.2).
	Overflow bool
	Payload  []byte
}

// Cell is one key's version sequence, newest write last.
type Cell struct {
	mu       sync.Mutex
	Versions []*Version
}

// NewCell returns an empty cell.
func NewCell() *Cell { return &Cell{} }

// Append adds a new uncommitted version written by the transaction
// with start timestamp ts.
func (c *Cell) Append(ts int64, payload []byte, deleted bool) *Version {
	return c.AppendVersion(ts, payload, deleted, false)
}

// AppendVersion is Append with explicit control over the Overflow
// flag, for callers storing a long-record pointer instead of a
// literal payload. Step is assigned as one greater than the highest
// step ts has already written to this cell, so a transaction that
// writes the same key more than once before concluding gets a fresh,
// individually addressable version each time rather than reusing TS
// as if it were unique per cell.
func (c *Cell) AppendVersion(ts int64, payload []byte, deleted, overflow bool) *Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	step := 0
	for _, v := range c.Versions {
		if v.TS == ts && v.Step >= step {
			step = v.Step + 1
		}
	}
	v := &Version{TS: ts, Step: step, Payload: payload, Deleted: deleted, Overflow: overflow}
	c.Versions = append(c.Versions, v)
	return v
}

// MarkCommitted stamps every still-uncommitted, non-aborted version ts
// wrote (every step, not just the first) with commit timestamp tc,
// since every write a transaction makes concludes together at the
// same commit timestamp.
func (c *Cell) MarkCommitted(ts, tc int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.Versions {
		if v.TS == ts && v.TC == 0 && !v.Aborted {
			v.TC = tc
		}
	}
}

// MarkAborted flags every still-uncommitted version ts wrote (every
// step) as aborted so no reader will ever see any of them; Prune later
// reclaims their space. A transaction that wrote the same key more
// than once before aborting must have every one of those versions
// flagged, not just the first encountered, or a later version is left
// with TC==0 and Aborted==false forever — neither committed nor
// aborted — permanently blocking every future writer of that key.
func (c *Cell) MarkAborted(ts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.Versions {
		if v.TS == ts && v.TC == 0 && !v.Aborted {
			v.Aborted = true
		}
	}
}

// Visible returns the version visible to a reader whose own start
// timestamp is readerTS: either a version readerTS itself wrote (read
// your own writes, even before commit), or the newest committed
// version whose commit timestamp does not exceed readerTS.
func (c *Cell) Visible(readerTS int64) (*Version, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.Versions) - 1; i >= 0; i-- {
		v := c.Versions[i]
		if v.Aborted {
			continue
		}
		if v.TS == readerTS {
			return v, true
		}
		if v.TC != 0 && v.TC <= readerTS {
			return v, true
		}
	}
	return nil, false
}

// Prune drops aborted versions and committed versions that no active
// reader can still need: every committed version strictly older than
// the newest committed version at or below floor. That newest version
// is dropped as well when it is a tombstone, since with everything older
// gone it hides nothing. floor is ordinarily the oldest currently-active
// transaction's start timestamp.
func (c *Cell) Prune(floor int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	keepIdx := -1
	for i, v := range c.Versions {
		if v.Aborted {
			continue
		}
		if v.TC != 0 && v.TC <= floor {
			if keepIdx == -1 || c.Versions[keepIdx].TC < v.TC {
				keepIdx = i
			}
		}
	}
	if keepIdx != -1 && c.Versions[keepIdx].Deleted {
		keepIdx = -1
	}

	kept := c.Versions[:0:0]
	removed := 0
	for i, v := range c.Versions {
		if v.Aborted {
			removed++
			metrics.MVCCPrunedVersionsTotal.WithLabelValues("aborted").Inc()
			continue
		}
		if v.TC != 0 && v.TC <= floor && i != keepIdx {
			removed++
			metrics.MVCCPrunedVersionsTotal.WithLabelValues("superseded").Inc()
			continue
		}
		kept = append(kept, v)
	}
	c.Versions = kept
	return removed
}

// Len reports how many versions the cell currently holds (including
// uncommitted ones), for diagnostics and tests.
func (c *Cell) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Versions)
}

// IsTombstoneVisible reports whether the version visible to readerTS
// represents a deletion (no live value for this key at that snapshot).
func IsTombstoneVisible(c *Cell, readerTS int64) bool {
	v, ok := c.Visible(readerTS)
	return ok && v.Deleted
}

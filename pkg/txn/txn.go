// Package txn implements the transaction index: a table of in-flight
// and recently concluded transactions keyed by start timestamp, a
// monotonic timestamp allocator, and the write-write dependency graph
// used to detect conflicts and deadlocks between concurrent writers
// (spec §4.7).
//
// The table's shape — a map guarded by a single RWMutex, with a sweep
// that drops entries once they age out — generalizes the teacher's
// token table (pkg/manager/token.go) from string tokens with an
// expiry to transactions with a ts/tc/ta lifecycle.
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/strata/pkg/kverrors"
	"github.com/cuemby/strata/pkg/metrics"
)

// Status is a transaction's position in its commit lifecycle.
type Status int

const (
	Active Status = iota
	Committed
	Aborted
)

func (s Status) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Entry is one transaction's row in the index: its start timestamp
// (ts), commit timestamp once committed (tc), and abort timestamp once
// aborted (ta).
type Entry struct {
	TS     int64
	TC     int64
	TA     int64
	Status Status

	// DependsOn holds the TS of every still-active transaction this one
	// blocked behind for a write-write permit (the "_depends"
	// back-pointer used for deadlock detection).
	DependsOn map[int64]bool

	startedAt time.Time
}

// Clock allocates strictly increasing int64 timestamps.
type Clock struct {
	counter int64
}

// Next returns the next timestamp, strictly greater than every value
// previously returned.
func (c *Clock) Next() int64 { return atomic.AddInt64(&c.counter, 1) }

// Index is the transaction index.
type Index struct {
	mu      sync.RWMutex
	clock   Clock
	entries map[int64]*Entry
}

// New returns an empty transaction index.
func New() *Index {
	return &Index{entries: make(map[int64]*Entry)}
}

// Begin allocates a new transaction, assigning it a start timestamp.
func (ix *Index) Begin() *Entry {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ts := ix.clock.Next()
	e := &Entry{TS: ts, Status: Active, DependsOn: make(map[int64]bool), startedAt: time.Now()}
	ix.entries[ts] = e
	return e
}

// SeedClock advances the clock so the next allocated timestamp is
// strictly greater than highest. A resumed engine calls this with the
// highest timestamp journal.Recover found durable in the log, so a
// freshly restarted clock (which otherwise starts back at 1) can never
// hand out a timestamp that collides with one already embedded in a
// committed page version.
func (ix *Index) SeedClock(highest int64) {
	for {
		cur := atomic.LoadInt64(&ix.clock.counter)
		if cur >= highest {
			return
		}
		if atomic.CompareAndSwapInt64(&ix.clock.counter, cur, highest) {
			return
		}
	}
}

// AllocateTimestamp draws the next timestamp from the same clock
// transactions use, without registering a transaction entry. The
// checkpoint proposer uses this to allocate a checkpoint timestamp in
// the same ordering domain as transaction start times (spec §4.8).
func (ix *Index) AllocateTimestamp() int64 {
	return ix.clock.Next()
}

// OldestActive returns the smallest start timestamp among currently
// active transactions, and false if none are active.
func (ix *Index) OldestActive() (int64, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	oldest := int64(0)
	found := false
	for _, e := range ix.entries {
		if e.Status != Active {
			continue
		}
		if !found || e.TS < oldest {
			oldest = e.TS
			found = true
		}
	}
	return oldest, found
}

// Lookup returns the entry for ts, if the index still holds it.
func (ix *Index) Lookup(ts int64) (*Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[ts]
	return e, ok
}

// Commit assigns tx a commit timestamp and marks it Committed.
func (ix *Index) Commit(tx *Entry) int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx.TC = ix.clock.Next()
	tx.Status = Committed
	metrics.TransactionCommitsTotal.Inc()
	metrics.TransactionDuration.Observe(time.Since(tx.startedAt).Seconds())
	return tx.TC
}

// Abort assigns tx an abort timestamp and marks it Aborted.
func (ix *Index) Abort(tx *Entry) int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx.TA = ix.clock.Next()
	tx.Status = Aborted
	metrics.TransactionRollbacksTotal.Inc()
	metrics.TransactionDuration.Observe(time.Since(tx.startedAt).Seconds())
	return tx.TA
}

// RequestWritePermit records that tx wants to write a cell currently
// write-locked by holder. It returns kverrors.Rollback if granting the
// permit would close a cycle in the wait-for graph (deadlock), and
// kverrors.InUse otherwise to tell the caller to wait and retry.
//
// A nil return means holder concluded (committed or aborted) between
// the caller reading the cell and calling this. That is NOT "no
// conflict, proceed as planned": the cell's visible state has changed
// underneath the caller, so the caller must re-read the cell before
// deciding what to do, not treat the write it was about to make as
// already satisfied.
func (ix *Index) RequestWritePermit(tx *Entry, holder *Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if holder.Status != Active {
		return nil // holder already concluded; caller must re-read the cell
	}
	if ix.wouldCycle(holder.TS, tx.TS) {
		return kverrors.New(kverrors.Rollback, "txn.RequestWritePermit", "deadlock: tx %d would cycle back to tx %d", holder.TS, tx.TS)
	}
	tx.DependsOn[holder.TS] = true
	return kverrors.New(kverrors.InUse, "txn.RequestWritePermit", "tx %d write-locked by active tx %d", tx.TS, holder.TS)
}

// wouldCycle reports whether from can already reach to by following
// DependsOn edges, meaning adding an edge to->from would close a cycle.
// Caller holds ix.mu.
func (ix *Index) wouldCycle(from, to int64) bool {
	if from == to {
		return true
	}
	visited := map[int64]bool{from: true}
	stack := []int64{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e, ok := ix.entries[cur]
		if !ok {
			continue
		}
		for dep := range e.DependsOn {
			if dep == to {
				return true
			}
			if !visited[dep] {
				visited[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

// ReleaseDependencies clears tx's recorded wait-for edges once it
// concludes (commits or aborts), so later transactions don't see stale
// dependency edges.
func (ix *Index) ReleaseDependencies(tx *Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	tx.DependsOn = make(map[int64]bool)
}

// Prune drops every concluded (committed or aborted) entry whose
// conclusion timestamp is less than floor — entries older transactions
// can no longer need for their visibility checks.
func (ix *Index) Prune(floor int64) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	n := 0
	for ts, e := range ix.entries {
		if e.Status == Active {
			continue
		}
		concluded := e.TC
		if e.Status == Aborted {
			concluded = e.TA
		}
		if concluded < floor {
			delete(ix.entries, ts)
			n++
		}
	}
	return n
}

// ActiveCount reports the number of transactions currently Active.
func (ix *Index) ActiveCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n := 0
	for _, e := range ix.entries {
		if e.Status == Active {
			n++
		}
	}
	return n
}

// Snapshot returns the TS of every currently active transaction, used
// to build an MVCC reader's visibility set (spec §4.7).
func (ix *Index) Snapshot() []int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]int64, 0, len(ix.entries))
	for ts, e := range ix.entries {
		if e.Status == Active {
			out = append(out, ts)
		}
	}
	return out
}

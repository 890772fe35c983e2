package engine

import (
	"sort"
	"sync"

	"github.com/cuemby/strata/pkg/kverrors"
)

// AccumKind is an accumulator's combining function (spec.md §4.9, §8
// property 9).
type AccumKind int

const (
	AccumSum AccumKind = iota
	AccumMin
	AccumMax
	AccumSeq
)

func (k AccumKind) String() string {
	switch k {
	case AccumSum:
		return "sum"
	case AccumMin:
		return "min"
	case AccumMax:
		return "max"
	case AccumSeq:
		return "seq"
	default:
		return "unknown"
	}
}

const maxAccumulatorsPerTree = 64

// accumKey names one accumulator slot within a volume's tree.
type accumKey struct {
	volume string
	tree   string
	slot   int
}

// accumEntry is one committed delta folded into an accumulator,
// tagged with the committing transaction's commit timestamp so a
// reader at an earlier snapshot can exclude it (the snapshot law of
// spec §8 property 9: read(acc, ts_r) folds only entries with tc <=
// ts_r).
type accumEntry struct {
	tc    int64
	value int64
}

// accumulatorState is one registered accumulator's committed history.
// It keeps every committed delta rather than a single running scalar
// specifically so that a transaction reading at an older snapshot
// doesn't observe deltas committed after it began.
type accumulatorState struct {
	mu      sync.Mutex
	kind    AccumKind
	entries []accumEntry
	seqNext int64
}

// txnDelta is one transaction's not-yet-committed contribution to an
// accumulator, combined in place as the transaction calls Accumulate
// more than once against the same slot.
type txnDelta struct {
	kind AccumKind
	set  bool
	val  int64
}

func (d *txnDelta) combine(kind AccumKind, delta int64) {
	d.kind = kind
	if !d.set {
		d.val = delta
		d.set = true
		return
	}
	switch kind {
	case AccumSum:
		d.val += delta
	case AccumMin:
		if delta < d.val {
			d.val = delta
		}
	case AccumMax, AccumSeq:
		if delta > d.val {
			d.val = delta
		}
	}
}

// Accumulator is a registered per-tree counter/gauge/sequence handle
// returned by Engine.RegisterAccumulator.
type Accumulator struct {
	engine *Engine
	volume string
	tree   string
	slot   int
	state  *accumulatorState
}

// RegisterAccumulator installs accumulator kind at slot within the
// named tree, up to maxAccumulatorsPerTree per tree. Re-registering an
// already-used slot with the same kind returns the existing handle;
// with a different kind it's rejected.
func (e *Engine) RegisterAccumulator(volumeName, treeName string, slot int, kind AccumKind) (*Accumulator, error) {
	if slot < 0 || slot >= maxAccumulatorsPerTree {
		return nil, kverrors.New(kverrors.InvalidSpec, "engine.RegisterAccumulator", "slot %d out of range [0,%d)", slot, maxAccumulatorsPerTree)
	}
	vs, err := e.volume(volumeName)
	if err != nil {
		return nil, err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	ts, ok := vs.trees[treeName]
	if !ok {
		return nil, kverrors.New(kverrors.InvalidSpec, "engine.RegisterAccumulator", "tree %q not open in volume %q", treeName, volumeName)
	}
	if existing := ts.accumulators[slot]; existing != nil {
		if existing.kind != kind {
			return nil, kverrors.New(kverrors.InvalidSpec, "engine.RegisterAccumulator", "slot %d already registered as %s", slot, existing.kind)
		}
		return &Accumulator{engine: e, volume: volumeName, tree: treeName, slot: slot, state: existing}, nil
	}
	st := &accumulatorState{kind: kind}
	ts.accumulators[slot] = st
	return &Accumulator{engine: e, volume: volumeName, tree: treeName, slot: slot, state: st}, nil
}

// Accumulate folds delta into this transaction's pending contribution
// to acc. The contribution isn't visible to any reader until the
// transaction commits.
func (tx *Transaction) Accumulate(acc *Accumulator, delta int64) {
	key := accumKey{volume: acc.volume, tree: acc.tree, slot: acc.slot}
	d, ok := tx.deltas[key]
	if !ok {
		d = &txnDelta{}
		tx.deltas[key] = d
	}
	d.combine(acc.state.kind, delta)
}

// Next draws the accumulator's next sequence value immediately —
// unlike Sum/Min/Max, a SEQ value must be unique the instant it's
// drawn so concurrent uncommitted transactions never collide — and
// folds it into this transaction's pending delta as a max so it
// becomes the visible high-water mark at commit.
func (tx *Transaction) Next(acc *Accumulator) (int64, error) {
	if acc.state.kind != AccumSeq {
		return 0, kverrors.New(kverrors.InvalidSpec, "engine.Transaction.Next", "accumulator is not a seq")
	}
	acc.state.mu.Lock()
	acc.state.seqNext++
	v := acc.state.seqNext
	acc.state.mu.Unlock()
	tx.Accumulate(acc, v)
	return v, nil
}

// Get folds acc's committed history as of readerTS, including exactly
// the entries committed at or before readerTS (the snapshot law).
func (acc *Accumulator) Get(readerTS int64) int64 {
	acc.state.mu.Lock()
	defer acc.state.mu.Unlock()
	var acc64 int64
	first := true
	for _, e := range acc.state.entries {
		if e.tc > readerTS {
			continue
		}
		if first {
			acc64 = e.value
			first = false
			continue
		}
		switch acc.state.kind {
		case AccumSum:
			acc64 += e.value
		case AccumMin:
			if e.value < acc64 {
				acc64 = e.value
			}
		case AccumMax, AccumSeq:
			if e.value > acc64 {
				acc64 = e.value
			}
		}
	}
	return acc64
}

// foldDeltas commits every accumulator delta a transaction accumulated,
// tagging each with the transaction's commit timestamp so future
// snapshot reads can apply the snapshot law.
func (e *Engine) foldDeltas(deltas map[accumKey]*txnDelta, tc int64) {
	for key, d := range deltas {
		e.mu.RLock()
		vs, ok := e.volumes[key.volume]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		vs.mu.RLock()
		ts, ok := vs.trees[key.tree]
		vs.mu.RUnlock()
		if !ok {
			continue
		}
		st := ts.accumulators[key.slot]
		if st == nil {
			continue
		}
		st.mu.Lock()
		st.entries = append(st.entries, accumEntry{tc: tc, value: d.val})
		sort.Slice(st.entries, func(i, j int) bool { return st.entries[i].tc < st.entries[j].tc })
		st.mu.Unlock()
	}
}

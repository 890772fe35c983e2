// Package checkpoint implements checkpoint timestamp allocation and the
// copier that drains page images from the journal back to their home
// volumes, rate-limited by an I/O meter (spec §4.8, §12).
//
// Both the checkpoint proposer and the copier run as pkg/task.Task
// loops, following the ticker-driven background-loop shape the teacher
// uses for pkg/scheduler and pkg/reconciler.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/journal"
	"github.com/cuemby/strata/pkg/kverrors"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/task"
	"github.com/cuemby/strata/pkg/txn"
)

// TimestampSource is the subset of *txn.Index a Proposer needs.
type TimestampSource interface {
	AllocateTimestamp() int64
	OldestActive() (int64, bool)
	Prune(floor int64) int
}

// Proposer periodically allocates a checkpoint timestamp c, waits
// until every transaction with ts < c has concluded, then appends a
// durable CP(c) record (spec §4.8 "Checkpoint").
type Proposer struct {
	journal *journal.Journal
	txns    TimestampSource

	mu          sync.Mutex
	safePoint   int64
	pollBackoff time.Duration
}

// NewProposer returns a Proposer that writes checkpoints to j, gated on
// txns's active-transaction set.
func NewProposer(j *journal.Journal, txns TimestampSource) *Proposer {
	return &Proposer{journal: j, txns: txns, pollBackoff: 5 * time.Millisecond}
}

// SafePoint returns the timestamp of the most recently durable
// checkpoint, or 0 if none has completed yet.
func (p *Proposer) SafePoint() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.safePoint
}

// RunOnce allocates a checkpoint timestamp and drives it to
// durability, suitable as a task.RunOnce.
func (p *Proposer) RunOnce(ctx context.Context) task.Result {
	timer := metrics.NewTimer()
	c := p.txns.AllocateTimestamp()
	for {
		oldest, ok := p.txns.OldestActive()
		if !ok || oldest >= c {
			break
		}
		select {
		case <-ctx.Done():
			return task.Result{Err: ctx.Err()}
		case <-time.After(p.pollBackoff):
		}
	}
	if _, err := p.journal.Append(journal.RecCP, c, nil); err != nil {
		return task.Result{Err: err}
	}
	if err := p.journal.Fsync(); err != nil {
		return task.Result{Err: err}
	}
	p.mu.Lock()
	p.safePoint = c
	p.mu.Unlock()
	timer.ObserveDuration(metrics.CheckpointDuration)
	metrics.CheckpointsTotal.Inc()

	// Every transaction with ts < c has now concluded, so c is also a
	// safe floor for dropping concluded txn.Index entries: no active
	// transaction can still need one below it to resolve visibility.
	if pruned := p.txns.Prune(c); pruned > 0 {
		log.WithComponent("checkpoint").Debug().Int("pruned", pruned).Msg("pruned concluded transaction entries")
	}

	log.WithComponent("checkpoint").Info().Int64("ts", c).Msg("checkpoint durable")
	return task.Result{}
}

// PageStore is the subset of *volume.Volume the Copier writes pages
// back to.
type PageStore interface {
	WritePage(addr uint64, data []byte) error
}

// Copier repeatedly picks the oldest still-journal-resident page
// images and writes them to their home volume, advancing the journal's
// base address as it goes (spec §4.6 "Copier").
type Copier struct {
	journal *journal.Journal
	meter   *IOMeter
	stores  map[uint32]PageStoreReader
	batch   int
}

// PageStoreReader is a volume's write surface as seen by the copier,
// plus the page size needed to reconstruct a full image from a
// journaled PA record. The copier never reads the volume's own
// current bytes — a dirty page normally lives only in the buffer
// pool's in-memory frame until eviction or Flush, so "reading the
// volume" would silently copy stale or nonexistent bytes back to
// themselves. It decodes the journal's own record instead.
type PageStoreReader interface {
	PageStore
	PageSize() int
}

// NewCopier returns a Copier draining j into the per-handle stores,
// rate-limited by meter, copying at most batch pages per cycle.
func NewCopier(j *journal.Journal, meter *IOMeter, stores map[uint32]PageStoreReader, batch int) *Copier {
	return &Copier{journal: j, meter: meter, stores: stores, batch: batch}
}

// RunOnce copies up to the configured batch of resident page images
// back to their home volumes, suitable as a task.RunOnce.
func (c *Copier) RunOnce(ctx context.Context) task.Result {
	keys := c.journal.DrainPageMapOrdered(c.batch)
	if len(keys) == 0 {
		return task.Result{Idle: true}
	}
	copied := 0
	for _, k := range keys {
		if !c.meter.Allow(ctx) {
			break
		}
		store, ok := c.stores[k.Volume]
		if !ok {
			continue
		}
		addr, found := c.journal.PageMapLookup(k.Volume, k.Page)
		if !found {
			continue
		}
		rec, err := c.journal.ReadAt(addr)
		if err != nil {
			return task.Result{Err: kverrors.Wrap(kverrors.IO, "checkpoint.Copier", err)}
		}
		pa, err := journal.DecodePA(rec.Payload)
		if err != nil {
			return task.Result{Err: kverrors.Wrap(kverrors.CorruptVolume, "checkpoint.Copier", err)}
		}
		image := journal.ReconstructPageImage(pa, store.PageSize())
		if err := store.WritePage(k.Page, image); err != nil {
			return task.Result{Err: kverrors.Wrap(kverrors.IO, "checkpoint.Copier", err)}
		}
		c.journal.AdvanceBaseAddress(addr)
		c.journal.RemoveFromPageMap(k.Volume, k.Page)
		c.meter.Record(len(image))
		metrics.CopierPagesCopiedTotal.Inc()
		copied++
	}
	log.WithComponent("copier").Debug().Int("pages", copied).Msg("copied page images to volumes")
	return task.Result{}
}

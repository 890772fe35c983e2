// Package engine is the composition root: it wires the buffer pool,
// volumes, B-trees, transaction index, journal, checkpoint/copier, and
// cleanup manager together behind an explicit handle (spec §4.9, §9
// design note "global mutable state" — represented here as an *Engine
// passed to every operation rather than a package-level singleton, and
// background tasks stop deterministically on Close rather than
// outliving their owner).
//
// Engine plays the role pkg/manager.Manager plays in the teacher: the
// single type that owns every subsystem and exposes a request-facing
// API over them, generalized from cluster orchestration to a
// transactional storage engine.
package engine

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/strata/pkg/btree"
	"github.com/cuemby/strata/pkg/bufferpool"
	"github.com/cuemby/strata/pkg/checkpoint"
	"github.com/cuemby/strata/pkg/cleanup"
	"github.com/cuemby/strata/pkg/config"
	"github.com/cuemby/strata/pkg/journal"
	"github.com/cuemby/strata/pkg/kverrors"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/task"
	"github.com/cuemby/strata/pkg/txn"
	"github.com/cuemby/strata/pkg/volume"
)

// treeState is one open tree's live handle plus its 64-slot
// accumulator array (spec.md §3 "per-tree 64-slot accumulator array").
type treeState struct {
	handle       uint32
	tree         *btree.Tree
	accumulators [64]*accumulatorState
}

// volumeState is one open volume's live handle: the page file, its
// buffer pool, and the named trees within it.
type volumeState struct {
	mu     sync.RWMutex
	name   string
	spec   config.VolumeSpec
	vol    *volume.Volume
	pool   *bufferpool.Pool
	handle uint32
	trees  map[string]*treeState
}

// Engine is the storage engine's composition root. Create one with
// Open and release it with Close; both are the only calls that touch
// process-wide resources (files, goroutines).
type Engine struct {
	cfg config.EngineConfig

	mu               sync.RWMutex
	volumes          map[string]*volumeState
	nextVolumeHandle uint32
	nextTreeHandle   uint32

	journal  *journal.Journal
	txns     *txn.Index
	recovery *journal.RecoveryState

	ioMeter  *checkpoint.IOMeter
	cleanup  *cleanup.Manager
	proposer *checkpoint.Proposer

	tasks []*task.Task
	stop  context.CancelFunc
}

// Open starts a new engine rooted at journalDir: it opens (or creates)
// the journal, starts the transaction index fresh, and launches the
// checkpoint proposer, copier, and cleanup worker as background tasks
// (spec §5 "Concurrency model"). Volumes are attached afterward with
// OpenVolume.
func Open(journalDir string, cfg config.EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	jrnl, recovery, err := journal.OpenWithRecovery(journalDir, "strata", cfg.JournalSegmentBytes)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.IO, "engine.Open", err)
	}

	e := &Engine{
		cfg:              cfg,
		volumes:          make(map[string]*volumeState),
		nextVolumeHandle: 1,
		nextTreeHandle:   1,
		journal:          jrnl,
		recovery:         recovery,
		txns:             txn.New(),
		ioMeter:          checkpoint.NewIOMeter(time.Second, int64(cfg.IOMeterQuiescentThreshold)*(1<<20)),
	}
	e.txns.SeedClock(recovery.HighestTimestamp)
	for h := range recovery.VolumeHandles {
		if h >= e.nextVolumeHandle {
			e.nextVolumeHandle = h + 1
		}
	}
	for h := range recovery.TreeHandles {
		if h >= e.nextTreeHandle {
			e.nextTreeHandle = h + 1
		}
	}
	e.cleanup = cleanup.New(cfg.CleanupQueueDepth, e.runCleanupAction)
	e.proposer = checkpoint.NewProposer(jrnl, e.txns)

	ctx, cancel := context.WithCancel(context.Background())
	e.stop = cancel

	e.tasks = []*task.Task{
		task.New("checkpoint-proposer", cfg.CheckpointInterval, log.WithComponent("engine"), e.proposer.RunOnce),
		task.New("cleanup-worker", cfg.CheckpointInterval/2, log.WithComponent("engine"), e.cleanup.RunOnce),
		task.New("copier", cfg.CheckpointInterval/4, log.WithComponent("engine"), e.runCopierOnce),
	}
	for _, tk := range e.tasks {
		tk.Start(ctx)
	}
	log.WithComponent("engine").Info().Str("journal_dir", journalDir).
		Int("recovered_volumes", len(recovery.VolumeHandles)).
		Int("recovered_pages", len(recovery.PageMap)).
		Bool("torn_tail", recovery.TornTail).
		Msg("engine opened")
	return e, nil
}

// runCopierOnce rebuilds the copier's volume map from the engine's
// current set of open volumes and drains one batch. The map is cheap
// to rebuild and volumes rarely change, so there's no need to keep it
// incrementally in sync with OpenVolume/CloseVolume.
func (e *Engine) runCopierOnce(ctx context.Context) task.Result {
	e.mu.RLock()
	stores := make(map[uint32]checkpoint.PageStoreReader, len(e.volumes))
	for _, vs := range e.volumes {
		stores[vs.handle] = vs.vol
	}
	e.mu.RUnlock()
	copier := checkpoint.NewCopier(e.journal, e.ioMeter, stores, 64)
	return copier.RunOnce(ctx)
}

// runCleanupAction performs one deferred maintenance action drained by
// the cleanup worker (spec §4.4). Page deallocation returns the page to
// its volume's garbage chain; the other two kinds are folded into the
// normal course of Put/Delete/split today, so they're accepted and
// logged rather than rejected outright, leaving room for a future
// background compactor to enqueue them.
func (e *Engine) runCleanupAction(ctx context.Context, a cleanup.Action) error {
	switch a.Kind {
	case cleanup.KindDeallocatePage:
		e.mu.RLock()
		vs, ok := e.volumes[a.Volume]
		e.mu.RUnlock()
		if !ok {
			return kverrors.New(kverrors.InvalidPageAddress, "engine.runCleanupAction", "unknown volume %q", a.Volume)
		}
		return vs.vol.FreePage(a.PageAddr)
	case cleanup.KindReclaimLongChain, cleanup.KindCompactIndexHole:
		log.WithComponent("engine").Debug().Str("kind", string(a.Kind)).Str("volume", a.Volume).Uint64("page", a.PageAddr).Msg("deferred maintenance action acknowledged")
		return nil
	default:
		return kverrors.New(kverrors.InvalidSpec, "engine.runCleanupAction", "unknown cleanup action kind %q", a.Kind)
	}
}

// OpenVolume attaches the volume described by spec to the engine,
// creating the file first if spec.Mode calls for it (spec §6 volume
// specification string grammar).
func (e *Engine) OpenVolume(spec config.VolumeSpec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.volumes[spec.Name]; exists {
		return kverrors.New(kverrors.InvalidSpec, "engine.OpenVolume", "volume %q already open", spec.Name)
	}

	_, statErr := os.Stat(spec.Path)
	exists := statErr == nil
	switch spec.Mode {
	case config.CreateOnly:
		if exists {
			return kverrors.New(kverrors.InvalidSpec, "engine.OpenVolume", "volume file %s already exists", spec.Path)
		}
	case config.ReadOnly:
		if !exists {
			return kverrors.New(kverrors.InvalidSpec, "engine.OpenVolume", "volume file %s does not exist", spec.Path)
		}
	}

	var vol *volume.Volume
	var err error
	if exists && spec.Mode != config.CreateOnly {
		vol, err = volume.Open(spec.Path)
	} else {
		if dir := filepath.Dir(spec.Path); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return kverrors.Wrap(kverrors.IO, "engine.OpenVolume", mkErr)
			}
		}
		vol, err = volume.Create(spec.Path, spec.PageSize)
		if err == nil {
			err = vol.Extend(spec.InitialPages)
		}
	}
	if err != nil {
		return err
	}

	// A volume reopened after a crash must keep the same handle it had
	// before, since the journal's page map keys page images by
	// (handle, page addr) and recovery looked them up under the old
	// handle. Assigning a fresh handle here would strand every
	// recovered page image under a handle nothing will ever query
	// again.
	handle, recovered := e.recoveredVolumeHandle(spec.Name)
	if !recovered {
		handle = e.nextVolumeHandle
		e.nextVolumeHandle++
		if _, err := e.journal.Append(journal.RecIV, 0, encodeHandleName(handle, spec.Name)); err != nil {
			return kverrors.Wrap(kverrors.IO, "engine.OpenVolume", err)
		}
	}

	if err := e.replayPageImages(vol, handle); err != nil {
		return err
	}

	capacity, ok := e.cfg.BufferPoolCapacity(vol.PageSize())
	if !ok {
		capacity = 256
	}
	pool := bufferpool.New(vol, capacity)

	vs := &volumeState{name: spec.Name, spec: spec, vol: vol, pool: pool, handle: handle, trees: make(map[string]*treeState)}
	if err := e.loadDirectory(vs); err != nil {
		return err
	}
	e.volumes[spec.Name] = vs
	log.WithComponent("engine").Info().Str("volume", spec.Name).Str("path", spec.Path).Msg("volume opened")
	return nil
}

// recoveredVolumeHandle looks up spec.Name in the recovery state's
// volume handle table, for reopening a volume under the same handle it
// held before a crash.
func (e *Engine) recoveredVolumeHandle(name string) (uint32, bool) {
	if e.recovery == nil {
		return 0, false
	}
	for h, n := range e.recovery.VolumeHandles {
		if n == name {
			return h, true
		}
	}
	return 0, false
}

// replayPageImages writes every page image journal.Recover found for
// volumeHandle directly to vol's file, bypassing the buffer pool
// (which starts empty every process start). Without this, a page that
// was dirty-in-memory-only when the process died would appear with its
// pre-crash, pre-commit bytes the moment something claims it — the
// journal's PA record is the only durable copy of what actually
// happened to it (spec §8 property 7).
func (e *Engine) replayPageImages(vol *volume.Volume, volumeHandle uint32) error {
	if e.recovery == nil {
		return nil
	}
	pageSize := vol.PageSize()
	pageCount := vol.Stat().PageCount
	for k, addr := range e.recovery.PageMap {
		if k.Volume != volumeHandle {
			continue
		}
		if k.Page == 0 || k.Page >= pageCount {
			log.WithComponent("engine").Warn().Uint32("volume", volumeHandle).Uint64("page", k.Page).
				Msg("recovered page image out of range for current volume size, skipping")
			continue
		}
		rec, err := e.journal.ReadAt(addr)
		if err != nil {
			return kverrors.Wrap(kverrors.IO, "engine.replayPageImages", err)
		}
		pa, err := journal.DecodePA(rec.Payload)
		if err != nil {
			return kverrors.Wrap(kverrors.CorruptVolume, "engine.replayPageImages", err)
		}
		image := journal.ReconstructPageImage(pa, pageSize)
		if err := vol.WritePage(k.Page, image); err != nil {
			return err
		}
	}
	return nil
}

// VolumeStats returns one open volume's current page statistics.
func (e *Engine) VolumeStats(name string) (volume.Stats, error) {
	vs, err := e.volume(name)
	if err != nil {
		return volume.Stats{}, err
	}
	return vs.vol.Stat(), nil
}

// CloseVolume flushes and closes one open volume by name.
func (e *Engine) CloseVolume(name string) error {
	e.mu.Lock()
	vs, ok := e.volumes[name]
	if ok {
		delete(e.volumes, name)
	}
	e.mu.Unlock()
	if !ok {
		return kverrors.New(kverrors.InvalidSpec, "engine.CloseVolume", "volume %q not open", name)
	}
	if err := e.persistDirectory(vs); err != nil {
		return err
	}
	if err := vs.pool.Flush(); err != nil {
		return err
	}
	return vs.vol.Close()
}

// OpenTree returns the named tree within volumeName, creating an empty
// one if it doesn't already exist in the volume's directory.
func (e *Engine) OpenTree(ctx context.Context, volumeName, treeName string) (*btree.Tree, error) {
	vs, err := e.volume(volumeName)
	if err != nil {
		return nil, err
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if ts, ok := vs.trees[treeName]; ok {
		return ts.tree, nil
	}

	handle := e.nextHandle()
	if _, err := e.journal.Append(journal.RecIT, 0, encodeHandleName(handle, treeName)); err != nil {
		return nil, kverrors.Wrap(kverrors.IO, "engine.OpenTree", err)
	}
	tr := btree.Open(vs.pool, e.journal, e.txns, vs.handle, vs.vol.PageSize(), 0)
	tr.SetCleanup(e.cleanup, volumeName)
	vs.trees[treeName] = &treeState{handle: handle, tree: tr}
	if err := e.persistDirectoryLocked(vs); err != nil {
		return nil, err
	}
	log.WithComponent("engine").Info().Str("volume", volumeName).Str("tree", treeName).Msg("tree opened")
	return tr, nil
}

func (e *Engine) nextHandle() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := e.nextTreeHandle
	e.nextTreeHandle++
	return h
}

func (e *Engine) volume(name string) (*volumeState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vs, ok := e.volumes[name]
	if !ok {
		return nil, kverrors.New(kverrors.InvalidSpec, "engine.volume", "volume %q not open", name)
	}
	return vs, nil
}

// Close stops every background task, flushes and closes every open
// volume, and closes the journal. It blocks until every task's loop
// goroutine has exited, so shutdown is deterministic (spec §9 "weak
// reference so shutdown completes deterministically").
func (e *Engine) Close() error {
	e.stop()
	for _, tk := range e.tasks {
		tk.Stop()
	}

	e.mu.Lock()
	names := make([]string, 0, len(e.volumes))
	for name := range e.volumes {
		names = append(names, name)
	}
	e.mu.Unlock()

	var firstErr error
	for _, name := range names {
		if err := e.CloseVolume(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := e.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	log.WithComponent("engine").Info().Msg("engine closed")
	return firstErr
}

// ReaderTimestamp allocates a new read-only snapshot timestamp, for
// callers (like the CLI's scan command) that only need a consistent
// view and have no writes to commit or abort.
func (e *Engine) ReaderTimestamp() int64 {
	entry := e.txns.Begin()
	e.txns.Abort(entry)
	return entry.TS
}

// Checkpoint forces an immediate checkpoint cycle rather than waiting
// for the proposer's next poll interval, surfacing its result
// synchronously (used by the CLI's "checkpoint" command).
func (e *Engine) Checkpoint(ctx context.Context) error {
	res := e.proposer.RunOnce(ctx)
	return res.Err
}

// directoryEntry is one (tree name, root page address, handle) row in
// a volume's on-disk tree directory.
type directoryEntry struct {
	Name   string `json:"name"`
	Handle uint32 `json:"handle"`
	Root   uint64 `json:"root"`
}

// persistDirectory serializes vs's tree directory to JSON and chains it
// across freshly allocated pages, recording the head page address in
// the volume header (spec.md §6 "directory-root" header field).
func (e *Engine) persistDirectory(vs *volumeState) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return e.persistDirectoryLocked(vs)
}

func (e *Engine) persistDirectoryLocked(vs *volumeState) error {
	entries := make([]directoryEntry, 0, len(vs.trees))
	for name, ts := range vs.trees {
		entries = append(entries, directoryEntry{Name: name, Handle: ts.handle, Root: ts.tree.Root()})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return kverrors.Wrap(kverrors.Conversion, "engine.persistDirectory", err)
	}
	addr, err := writeChained(vs.pool, vs.vol.PageSize(), data)
	if err != nil {
		return err
	}
	return vs.vol.SetDirRoot(addr)
}

// loadDirectory reads vs's tree directory back from the volume header
// and rebuilds in-memory treeState entries pointing at each tree's
// persisted root. Called only from OpenVolume, which already holds
// e.mu for writing, so it touches e.nextTreeHandle directly rather than
// re-acquiring the lock.
func (e *Engine) loadDirectory(vs *volumeState) error {
	addr := vs.vol.DirRoot()
	if addr == 0 {
		return nil
	}
	data, err := readChained(vs.pool, addr)
	if err != nil {
		return err
	}
	var entries []directoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return kverrors.Wrap(kverrors.CorruptVolume, "engine.loadDirectory", err)
	}
	for _, de := range entries {
		tr := btree.Open(vs.pool, e.journal, e.txns, vs.handle, vs.vol.PageSize(), de.Root)
		tr.SetCleanup(e.cleanup, vs.name)
		vs.trees[de.Name] = &treeState{handle: de.Handle, tree: tr}
		if de.Handle >= e.nextTreeHandle {
			e.nextTreeHandle = de.Handle + 1
		}
	}
	return nil
}

// writeChained and readChained store an arbitrary byte blob across a
// chain of whole pages: each page holds a 4-byte chunk length, the
// chunk itself, and an 8-byte next-page address in its final 8 bytes.
// The tree directory is the only caller; it predates any tree (so
// pkg/btree's own long-record chain isn't available yet) and is small
// enough that a dedicated chain format is simpler than standing up a
// tree just to hold it.
func writeChained(pool *bufferpool.Pool, pageSize int, data []byte) (uint64, error) {
	chunkSize := pageSize - 4 - 8
	numChunks := (len(data) + chunkSize - 1) / chunkSize
	if numChunks == 0 {
		numChunks = 1
	}
	addrs := make([]uint64, numChunks)
	for i := range addrs {
		addr, err := pool.Alloc(pageSize)
		if err != nil {
			return 0, err
		}
		addrs[i] = addr
	}
	for i := 0; i < numChunks; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		buf := make([]byte, pageSize)
		binary.BigEndian.PutUint32(buf[0:], uint32(end-start))
		copy(buf[4:], data[start:end])
		var next uint64
		if i+1 < numChunks {
			next = addrs[i+1]
		}
		binary.BigEndian.PutUint64(buf[pageSize-8:], next)
		pool.Update(addrs[i], buf)
	}
	return addrs[0], nil
}

func readChained(pool *bufferpool.Pool, addr uint64) ([]byte, error) {
	ctx := context.Background()
	var out []byte
	for addr != 0 {
		buf, err := pool.Claim(ctx, addr, bufferpool.ClaimShared)
		if err != nil {
			return nil, err
		}
		n := binary.BigEndian.Uint32(buf[0:])
		out = append(out, buf[4:4+n]...)
		next := binary.BigEndian.Uint64(buf[len(buf)-8:])
		pool.Release(addr, bufferpool.ClaimShared, false)
		addr = next
	}
	return out, nil
}

func encodeHandleName(handle uint32, name string) []byte {
	buf := make([]byte, 4+len(name))
	binary.BigEndian.PutUint32(buf, handle)
	copy(buf[4:], name)
	return buf
}

func (e *Engine) String() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("Engine{volumes=%d}", len(e.volumes))
}

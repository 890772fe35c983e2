// Package cleanup implements the cleanup manager: a bounded FIFO queue
// of deferred maintenance actions (page deallocation after a merge,
// long-record chain reclamation, index-hole compaction) drained by a
// background worker, with a total order so a batch of pending actions
// sorts deterministically (spec §4.4, §12).
//
// The drain worker generalizes the teacher's
// TokenManager.CleanupExpiredTokens sweep (pkg/manager/token.go) from a
// single expiry check over a map into a channel-backed FIFO of
// arbitrary typed actions.
package cleanup

import (
	"context"
	"sort"
	"sync"

	"github.com/cuemby/strata/pkg/kverrors"
	"github.com/cuemby/strata/pkg/log"
	"github.com/cuemby/strata/pkg/metrics"
	"github.com/cuemby/strata/pkg/task"
)

// ActionKind identifies the maintenance action an Action performs.
type ActionKind string

const (
	KindDeallocatePage   ActionKind = "deallocate-page"
	KindReclaimLongChain ActionKind = "reclaim-long-chain"
	KindCompactIndexHole ActionKind = "compact-index-hole"
)

// Action is one deferred unit of maintenance work.
type Action struct {
	Kind      ActionKind
	Volume    string
	PageAddr  uint64
	Sequence  int64 // assigned by the Manager at enqueue time; defines total order
}

// Less implements the queue's total order: by volume and page address
// first (so a drain batch visits each page once for all of its pending
// actions), then by kind, then by sequence number (so order among
// actions on the same page and of the same kind matches enqueue order).
func (a Action) Less(b Action) bool {
	if a.Volume != b.Volume {
		return a.Volume < b.Volume
	}
	if a.PageAddr != b.PageAddr {
		return a.PageAddr < b.PageAddr
	}
	if a.Kind != b.Kind {
		return a.Kind < b.Kind
	}
	return a.Sequence < b.Sequence
}

// Executor performs one Action's actual work.
type Executor func(ctx context.Context, a Action) error

// Manager is a bounded FIFO of pending Actions drained by a background
// task.Task.
type Manager struct {
	mu       sync.Mutex
	cap      int
	pending  []Action
	nextSeq  int64
	executor Executor
}

// New returns a Manager that holds at most capacity pending actions and
// executes drained actions with exec.
func New(capacity int, exec Executor) *Manager {
	return &Manager{cap: capacity, executor: exec}
}

// Enqueue adds an action to the queue. Returns kverrors.InUse if the
// queue is already at capacity; callers should apply backpressure
// (e.g. force an immediate drain) rather than block indefinitely.
func (m *Manager) Enqueue(kind ActionKind, volume string, pageAddr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) >= m.cap {
		metrics.CleanupActionsFailedTotal.WithLabelValues(string(kind)).Inc()
		return kverrors.New(kverrors.InUse, "cleanup.Enqueue", "queue at capacity %d", m.cap)
	}
	m.nextSeq++
	m.pending = append(m.pending, Action{Kind: kind, Volume: volume, PageAddr: pageAddr, Sequence: m.nextSeq})
	metrics.CleanupQueueDepth.Set(float64(len(m.pending)))
	return nil
}

// Depth returns the number of actions currently pending.
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// drainBatch removes and returns every pending action, sorted by the
// queue's total order, for RunOnce to execute.
func (m *Manager) drainBatch() []Action {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.pending
	m.pending = nil
	metrics.CleanupQueueDepth.Set(0)
	sort.Slice(batch, func(i, j int) bool { return batch[i].Less(batch[j]) })
	return batch
}

// RunOnce drains and executes the current batch of pending actions,
// suitable as a task.RunOnce for the cleanup worker. Failed actions are
// re-enqueued for a later retry rather than dropped.
func (m *Manager) RunOnce(ctx context.Context) task.Result {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CleanupDrainDuration)

	batch := m.drainBatch()
	if len(batch) == 0 {
		return task.Result{Idle: true}
	}
	logger := log.WithComponent("cleanup")
	var firstErr error
	for _, a := range batch {
		if err := m.executor(ctx, a); err != nil {
			logger.Warn().Str("kind", string(a.Kind)).Str("volume", a.Volume).Uint64("page", a.PageAddr).Err(err).Msg("cleanup action failed, will retry")
			metrics.CleanupActionsFailedTotal.WithLabelValues(string(a.Kind)).Inc()
			if firstErr == nil {
				firstErr = err
			}
			m.mu.Lock()
			m.pending = append(m.pending, a)
			m.mu.Unlock()
			continue
		}
	}
	return task.Result{Err: firstErr}
}

// Package replicator implements the bounded-concurrency state machine that
// turns a stream of remote head CIDs into entries merged into a local
// oplog (spec §4.5): Queued → Fetching → Validating → Pending → Ready →
// Resolved, with exponential-backoff retry on fetch and silent descendant
// drop on validation failure.
package replicator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RunLaszloRun/orbit-db/internal/accesscontroller"
	"github.com/RunLaszloRun/orbit-db/internal/entry"
	"github.com/RunLaszloRun/orbit-db/internal/metrics"
	"github.com/RunLaszloRun/orbit-db/internal/objectstore"
	"github.com/RunLaszloRun/orbit-db/internal/oplog"
	"github.com/RunLaszloRun/orbit-db/internal/replicationinfo"
	"github.com/RunLaszloRun/orbit-db/internal/workerpool"

	multierror "github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

type state int

const (
	stateQueued state = iota
	stateFetching
	stateValidating
	statePending
	stateReady
	stateResolved
	stateFailed
)

// Events are the callbacks the owning coordinator registers to observe
// replication progress (spec §4.5's replicate / replicate.progress /
// replicated). They are invoked synchronously from the replicator's merge
// loop or worker goroutines; handlers must not block or call back into
// the coordinator synchronously.
type Events struct {
	OnReplicate  func(e *entry.Entry)
	OnProgress   func(e *entry.Entry, info replicationinfo.Info)
	OnReplicated func(length int)
}

// Config tunes concurrency and retry behavior.
type Config struct {
	// Concurrency bounds how many CIDs may be in Fetching∨Validating at
	// once (spec §4.5's "C").
	Concurrency int
	MaxAttempts int
	BaseBackoff time.Duration
	MergeBatch  int
	Logger      *zap.Logger
}

func (c *Config) setDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 32
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 50 * time.Millisecond
	}
	if c.MergeBatch <= 0 {
		c.MergeBatch = 16
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Replicator drives entries from remote heads into log. It owns no state
// that the coordinator needs to serialize against directly: log itself is
// already safe for concurrent Merge/Append, and info is safe for
// concurrent use.
type Replicator struct {
	cfg     Config
	log     *oplog.Oplog
	store   objectstore.ObjectStore
	ac      *accesscontroller.AccessController
	info    *replicationinfo.ReplicationInfo
	metrics *metrics.Metrics
	pool    *workerpool.Pool
	events  Events
	logger  *zap.Logger

	mu        sync.Mutex
	st        map[objectstore.CID]state
	fetched   map[objectstore.CID]*entry.Entry
	waitingOn map[objectstore.CID]map[objectstore.CID]struct{}

	readyCh chan *entry.Entry
	stopCh  chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
}

// New builds a Replicator over log, fetching bodies from store and
// validating them against ac. events may have nil fields; a nil field is
// simply not invoked.
func New(log *oplog.Oplog, store objectstore.ObjectStore, ac *accesscontroller.AccessController, info *replicationinfo.ReplicationInfo, m *metrics.Metrics, events Events, cfg Config) *Replicator {
	cfg.setDefaults()

	r := &Replicator{
		cfg:       cfg,
		log:       log,
		store:     store,
		ac:        ac,
		info:      info,
		metrics:   m,
		events:    events,
		logger:    cfg.Logger,
		st:        make(map[objectstore.CID]state),
		fetched:   make(map[objectstore.CID]*entry.Entry),
		waitingOn: make(map[objectstore.CID]map[objectstore.CID]struct{}),
		readyCh:   make(chan *entry.Entry, cfg.MergeBatch*4),
		stopCh:    make(chan struct{}),
	}
	r.pool = workerpool.New(workerpool.Config{
		Name:       "replicator",
		MaxWorkers: cfg.Concurrency,
		QueueSize:  cfg.Concurrency * 8,
		Logger:     cfg.Logger,
	})

	r.wg.Add(1)
	go r.mergeLoop()

	return r
}

// Sync feeds a batch of remote head CIDs into the state machine. It is
// idempotent: CIDs already queued, in flight, resolved, failed, or
// already present in the oplog are silently skipped (spec §4.5's
// dedupe-against-three-sets rule).
func (r *Replicator) Sync(ctx context.Context, heads []objectstore.CID) error {
	// A head already reachable by walking backward over locally known
	// entries needs no network round trip at all; oplog.Traverse (spec
	// §4's bounded-depth traversal operation) answers that in one pass
	// instead of probing each head's presence independently.
	local := r.log.Traverse(heads, -1, nil)
	known := make(map[objectstore.CID]bool, len(local))
	for _, e := range local {
		known[e.CID] = true
	}

	for _, cid := range heads {
		if known[cid] {
			continue
		}
		if err := r.enqueue(ctx, cid); err != nil {
			return err
		}
	}
	return nil
}

// enqueue dedupes cid against the queued/in-flight/resolved/failed sets
// and the oplog itself, then submits a fetch task if it is genuinely new.
// Used both for externally supplied heads (Sync) and for ancestor CIDs
// discovered while admitting a Pending entry.
func (r *Replicator) enqueue(ctx context.Context, cid objectstore.CID) error {
	r.mu.Lock()
	_, known := r.st[cid]
	if known || r.log.Has(cid) {
		r.mu.Unlock()
		return nil
	}
	r.st[cid] = stateQueued
	r.mu.Unlock()

	if err := r.pool.Submit(ctx, workerpool.Task{
		ID:      cid.String(),
		Context: ctx,
		Fn: func(taskCtx context.Context) error {
			r.processFetch(taskCtx, cid)
			return nil
		},
	}); err != nil {
		return fmt.Errorf("replicator: submit %s: %w", cid, err)
	}
	return nil
}

func (r *Replicator) processFetch(ctx context.Context, cid objectstore.CID) {
	r.setState(cid, stateFetching)

	data, err := r.fetchWithRetry(ctx, cid)
	if err != nil {
		r.logger.Warn("replicator: permanent fetch failure", zap.String("cid", cid.String()), zap.Error(err))
		r.setState(cid, stateFailed)
		return
	}

	r.setState(cid, stateValidating)
	e, err := entry.Decode(cid, data)
	if err != nil {
		r.logger.Debug("replicator: dropping malformed entry", zap.String("cid", cid.String()), zap.Error(err))
		r.dropDescendants(cid)
		return
	}
	if err := entry.Verify(e, r.ac); err != nil {
		r.logger.Debug("replicator: dropping entry that failed validation",
			zap.String("cid", cid.String()), zap.Error(err))
		r.dropDescendants(cid)
		return
	}

	if r.events.OnReplicate != nil {
		r.events.OnReplicate(e)
	}
	if r.metrics != nil {
		r.metrics.ReplicateEventsTotal.Inc()
	}
	r.info.ObserveHead(e.Clock.Time)

	r.admit(ctx, e)
}

func (r *Replicator) fetchWithRetry(ctx context.Context, cid objectstore.CID) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.cfg.BaseBackoff * time.Duration(uint(1)<<uint(attempt-1))
			if r.metrics != nil {
				r.metrics.FetchRetriesTotal.Inc()
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		data, err := r.store.Get(ctx, cid)
		if r.metrics != nil {
			r.metrics.FetchDuration.Observe(time.Since(start).Seconds())
		}
		if err == nil {
			return data, nil
		}
		lastErr = err
	}

	if r.metrics != nil {
		r.metrics.FetchFailuresTotal.Inc()
	}
	return nil, fmt.Errorf("fetch %s failed after %d attempts: %w", cid, r.cfg.MaxAttempts, lastErr)
}

// admit decides whether e's ancestry is already fully resolved. If so it
// is pushed straight to the merge stage (Ready); otherwise it is recorded
// as Pending against each missing parent, and a fetch is enqueued for any
// parent that isn't already queued, in flight, or resolved — without
// this, an entry whose parents were never independently gossiped would
// wait on a fetch nobody ever schedules.
func (r *Replicator) admit(ctx context.Context, e *entry.Entry) {
	r.mu.Lock()

	missing := make([]objectstore.CID, 0)
	for _, p := range e.Parents {
		if r.log.Has(p) {
			continue
		}
		if st, ok := r.st[p]; ok && st == stateResolved {
			continue
		}
		missing = append(missing, p)
	}

	if len(missing) == 0 {
		r.st[e.CID] = stateReady
		r.mu.Unlock()
		r.readyCh <- e
		return
	}

	r.st[e.CID] = statePending
	r.fetched[e.CID] = e
	for _, p := range missing {
		deps, ok := r.waitingOn[p]
		if !ok {
			deps = make(map[objectstore.CID]struct{})
			r.waitingOn[p] = deps
		}
		deps[e.CID] = struct{}{}
	}
	r.mu.Unlock()

	for _, p := range missing {
		if err := r.enqueue(ctx, p); err != nil {
			r.logger.Warn("replicator: failed to enqueue missing parent",
				zap.String("cid", p.String()), zap.Error(err))
		}
	}
}

// dropDescendants marks cid Failed and recursively drops every entry that
// was Pending on cid (whether or not it also waits on other parents), per
// spec §4.5's validation-failure rule.
func (r *Replicator) dropDescendants(cid objectstore.CID) {
	r.mu.Lock()
	r.st[cid] = stateFailed
	deps := r.waitingOn[cid]
	delete(r.waitingOn, cid)
	dependents := make([]objectstore.CID, 0, len(deps))
	for dep := range deps {
		dependents = append(dependents, dep)
	}
	for _, dep := range dependents {
		delete(r.fetched, dep)
	}
	r.mu.Unlock()

	for _, dep := range dependents {
		r.logger.Debug("replicator: dropping pending descendant", zap.String("cid", dep.String()), zap.String("ancestor", cid.String()))
		r.dropDescendants(dep)
	}
}

// resolveDependents re-evaluates every entry waiting on cid now that cid
// has been merged, promoting any whose ancestry is now fully satisfied to
// Ready.
func (r *Replicator) resolveDependents(cid objectstore.CID) {
	r.mu.Lock()
	deps := r.waitingOn[cid]
	delete(r.waitingOn, cid)

	var nowReady []*entry.Entry
	for dep := range deps {
		e, ok := r.fetched[dep]
		if !ok {
			continue
		}
		if r.allParentsResolved(e) {
			delete(r.fetched, dep)
			r.st[dep] = stateReady
			nowReady = append(nowReady, e)
		}
	}
	r.mu.Unlock()

	for _, e := range nowReady {
		r.readyCh <- e
	}
}

func (r *Replicator) allParentsResolved(e *entry.Entry) bool {
	for _, p := range e.Parents {
		if r.log.Has(p) {
			continue
		}
		if st, ok := r.st[p]; ok && st == stateResolved {
			continue
		}
		return false
	}
	return true
}

func (r *Replicator) setState(cid objectstore.CID, s state) {
	r.mu.Lock()
	r.st[cid] = s
	r.mu.Unlock()
}

// mergeLoop drains readyCh, batches available entries, and folds each
// batch into the oplog in the oplog's own deterministic order — the
// source of the ordering guarantee on replicate.progress.
func (r *Replicator) mergeLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.stopCh:
			return
		case e := <-r.readyCh:
			batch := []*entry.Entry{e}
			draining := true
			for draining && len(batch) < r.cfg.MergeBatch {
				select {
				case next := <-r.readyCh:
					batch = append(batch, next)
				default:
					draining = false
				}
			}
			r.mergeBatch(batch)
		}
	}
}

func (r *Replicator) mergeBatch(batch []*entry.Entry) {
	start := time.Now()
	merged, err := r.log.Merge(context.Background(), batch)
	if r.metrics != nil {
		r.metrics.MergeDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		r.logger.Error("replicator: merge batch failed", zap.Error(err))
		return
	}

	for _, e := range merged {
		r.setState(e.CID, stateResolved)
		r.info.RecordMerge(e.Clock.Time)

		if r.events.OnProgress != nil {
			r.events.OnProgress(e, r.info.Snapshot())
		}
		if r.metrics != nil {
			r.metrics.ReplicateProgressEventsTotal.Inc()
			r.metrics.ReplicationInfoMax.Set(float64(r.info.Snapshot().Max))
			r.metrics.ReplicationInfoProgress.Set(float64(r.info.Progress()))
		}

		r.resolveDependents(e.CID)
	}

	if r.metrics != nil {
		stats := r.pool.Stats()
		r.metrics.WorkerPoolActiveWorkers.Set(float64(stats.ActiveWorkers))
		r.metrics.WorkerPoolQueuedTasks.Set(float64(stats.QueuedTasks))
		if len(merged) > 0 {
			r.metrics.OplogLength.Set(float64(r.log.Length()))
			r.metrics.OplogHeads.Set(float64(len(r.log.Heads())))
		}
	}

	if len(merged) > 0 {
		if r.events.OnReplicated != nil {
			r.events.OnReplicated(len(merged))
		}
		if r.metrics != nil {
			r.metrics.ReplicatedBatchesTotal.Inc()
			r.metrics.ReplicatedEntriesTotal.Add(float64(len(merged)))
		}
	}
}

// PendingCount reports how many CIDs are currently waiting on at least
// one unresolved parent, for diagnostics.
func (r *Replicator) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fetched)
}

// Close stops accepting new work, stops the worker pool, and halts the
// merge loop. It is idempotent. Fetches already running are not
// cancelled: stopping the pool waits up to timeout for each worker to
// finish its current task.
func (r *Replicator) Close(timeout time.Duration) error {
	var result *multierror.Error
	r.closeOnce.Do(func() {
		if err := r.pool.Stop(timeout); err != nil {
			result = multierror.Append(result, err)
		}
		close(r.stopCh)
		r.wg.Wait()
	})
	return result.ErrorOrNil()
}

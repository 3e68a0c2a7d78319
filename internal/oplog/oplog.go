// Package oplog implements the append-only Merkle-DAG of signed entries
// that forms a database's causal history (spec §4.4): heads/tails
// tracking, deterministic total order, idempotent merge, and bounded
// traversal.
package oplog

import (
	"context"
	"fmt"
	"sync"

	"github.com/RunLaszloRun/orbit-db/internal/accesscontroller"
	"github.com/RunLaszloRun/orbit-db/internal/entry"
	"github.com/RunLaszloRun/orbit-db/internal/keystore"
	"github.com/RunLaszloRun/orbit-db/internal/objectstore"
	"go.uber.org/zap"
)

// Oplog holds one database's entry set. All mutation happens through
// Append (local writes) and Merge (replication); both are serialized by
// mu so the coordinator never observes a torn heads/entries pair.
type Oplog struct {
	mu sync.Mutex

	logID    string
	identity keystore.Identity
	ac       *accesscontroller.AccessController
	store    objectstore.ObjectStore
	logger   *zap.Logger

	entries map[objectstore.CID]*entry.Entry
	heads   map[objectstore.CID]struct{}
}

// New creates an empty oplog for logID, signed by identity and authorized
// by ac.
func New(logID string, identity keystore.Identity, ac *accesscontroller.AccessController, store objectstore.ObjectStore, logger *zap.Logger) *Oplog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Oplog{
		logID:    logID,
		identity: identity,
		ac:       ac,
		store:    store,
		logger:   logger,
		entries:  make(map[objectstore.CID]*entry.Entry),
		heads:    make(map[objectstore.CID]struct{}),
	}
}

// Append signs and stores a new entry whose parents are the current
// heads, then makes it the sole new head. Contract: the new entry's
// clock.Time is max(heads.Time)+1 (spec §8 invariant 1). Callers must
// serialize concurrent local appends to the same oplog externally — a
// single oplog has exactly one writer at a time.
func (o *Oplog) Append(ctx context.Context, payload []byte) (*entry.Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	parents := make([]*entry.Entry, 0, len(o.heads))
	for cid := range o.heads {
		parents = append(parents, o.entries[cid])
	}

	e, err := entry.Create(ctx, o.store, o.identity, o.logID, payload, parents)
	if err != nil {
		return nil, fmt.Errorf("oplog: append: %w", err)
	}

	o.entries[e.CID] = e
	o.heads = map[objectstore.CID]struct{}{e.CID: {}}

	o.logger.Debug("oplog: appended entry",
		zap.String("cid", e.CID.String()),
		zap.Uint64("clock_time", e.Clock.Time))

	return e, nil
}

// Merge folds candidates into the oplog. Entries already present are
// skipped; entries whose parents are not yet resolvable (neither already
// present nor elsewhere in this same candidate batch) are left for a
// future Merge call. Each candidate is verified against the access
// controller before being accepted. Merge is idempotent: merging the same
// entries twice leaves length and heads unchanged the second time (spec
// §8 invariant 3). The returned slice is in the oplog's deterministic
// total order (spec §4.4).
func (o *Oplog) Merge(ctx context.Context, candidates []*entry.Entry) ([]*entry.Entry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ordered := make([]*entry.Entry, len(candidates))
	copy(ordered, candidates)
	SortEntries(ordered)

	added := make([]*entry.Entry, 0, len(ordered))

	for _, e := range ordered {
		if _, exists := o.entries[e.CID]; exists {
			continue
		}
		if !o.hasAllParents(e) {
			// Not ready yet — the replicator is responsible for only
			// handing us entries whose ancestry is fully resolved; a
			// gap here means this candidate arrived out of order and
			// will be retried in a later Merge call.
			continue
		}
		if err := entry.Verify(e, o.ac); err != nil {
			o.logger.Debug("oplog: dropping entry that failed verification",
				zap.String("cid", e.CID.String()), zap.Error(err))
			continue
		}

		o.entries[e.CID] = e
		added = append(added, e)
	}

	if len(added) > 0 {
		o.recomputeHeads()
	}

	return added, nil
}

func (o *Oplog) hasAllParents(e *entry.Entry) bool {
	for _, p := range e.Parents {
		if _, ok := o.entries[p]; !ok {
			return false
		}
	}
	return true
}

// recomputeHeads rebuilds the heads set from scratch: every entry CID not
// referenced as a parent by any other entry (spec §3).
func (o *Oplog) recomputeHeads() {
	referenced := make(map[objectstore.CID]struct{}, len(o.entries))
	for _, e := range o.entries {
		for _, p := range e.Parents {
			referenced[p] = struct{}{}
		}
	}

	heads := make(map[objectstore.CID]struct{})
	for cid := range o.entries {
		if _, isParent := referenced[cid]; !isParent {
			heads[cid] = struct{}{}
		}
	}
	o.heads = heads
}

// Get returns the entry for cid, if present.
func (o *Oplog) Get(cid objectstore.CID) (*entry.Entry, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[cid]
	return e, ok
}

// Has reports whether cid is already in the oplog.
func (o *Oplog) Has(cid objectstore.CID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.entries[cid]
	return ok
}

// Length returns the number of entries in the oplog.
func (o *Oplog) Length() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Heads returns the current head entries (entries with no child in the
// oplog), in the oplog's deterministic total order.
func (o *Oplog) Heads() []*entry.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*entry.Entry, 0, len(o.heads))
	for cid := range o.heads {
		out = append(out, o.entries[cid])
	}
	SortEntries(out)
	return out
}

// Tails returns entries with no parents (the bottom of the DAG).
func (o *Oplog) Tails() []*entry.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*entry.Entry, 0)
	for _, e := range o.entries {
		if len(e.Parents) == 0 {
			out = append(out, e)
		}
	}
	SortEntries(out)
	return out
}

// All returns every entry in the oplog's deterministic total order (spec
// §3): two replicas with the same entry set always produce the same
// sequence (spec §8 invariant 5).
func (o *Oplog) All() []*entry.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*entry.Entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	SortEntries(out)
	return out
}

// Traverse walks backward over parents starting from startHeads, stopping
// once amount entries have been yielded (amount < 0 means unbounded) or
// every branch has reached a CID present in endHashes. It only visits
// entries already present in the oplog.
func (o *Oplog) Traverse(startHeads []objectstore.CID, amount int, endHashes map[objectstore.CID]bool) []*entry.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()

	visited := make(map[objectstore.CID]struct{})
	var result []*entry.Entry

	queue := make([]objectstore.CID, 0, len(startHeads))
	queue = append(queue, startHeads...)

	for len(queue) > 0 {
		if amount >= 0 && len(result) >= amount {
			break
		}

		cid := queue[0]
		queue = queue[1:]

		if _, seen := visited[cid]; seen {
			continue
		}
		visited[cid] = struct{}{}

		if endHashes[cid] {
			continue
		}

		e, ok := o.entries[cid]
		if !ok {
			continue
		}

		result = append(result, e)
		queue = append(queue, e.Parents...)
	}

	SortEntries(result)
	return result
}

package replicator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/RunLaszloRun/orbit-db/internal/accesscontroller"
	"github.com/RunLaszloRun/orbit-db/internal/entry"
	"github.com/RunLaszloRun/orbit-db/internal/keystore"
	"github.com/RunLaszloRun/orbit-db/internal/objectstore"
	"github.com/RunLaszloRun/orbit-db/internal/oplog"
	"github.com/RunLaszloRun/orbit-db/internal/replicationinfo"
	"github.com/stretchr/testify/require"
)

// sourceLog builds an independent oplog (simulating a remote peer) backed
// by its own Oplog+AccessController but sharing a single object store, so
// the replicator under test can fetch the bytes it produces.
type sourceLog struct {
	store objectstore.ObjectStore
	ac    *accesscontroller.AccessController
	log   *oplog.Oplog
}

func newSourceLog(t *testing.T) *sourceLog {
	t.Helper()
	ks := keystore.NewMemory()
	id, err := ks.CreateKey("writer")
	require.NoError(t, err)

	ac := accesscontroller.NewWithDefaults(nil, id.PublicKey())
	store := objectstore.NewMemory()
	log := oplog.New("test-log", id, ac, store, nil)

	return &sourceLog{store: store, ac: ac, log: log}
}

func (s *sourceLog) append(t *testing.T, n int) []*entry.Entry {
	t.Helper()
	out := make([]*entry.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := s.log.Append(context.Background(), []byte("payload"))
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

// collector accumulates replicator events for assertions, guarding against
// concurrent callback invocation from worker goroutines.
type collector struct {
	mu        sync.Mutex
	replicate []*entry.Entry
	progress  []*entry.Entry
	replicated []int
}

func (c *collector) events() Events {
	return Events{
		OnReplicate: func(e *entry.Entry) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.replicate = append(c.replicate, e)
		},
		OnProgress: func(e *entry.Entry, info replicationinfo.Info) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.progress = append(c.progress, e)
		},
		OnReplicated: func(n int) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.replicated = append(c.replicated, n)
		},
	}
}

func (c *collector) progressSnapshot() []*entry.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*entry.Entry, len(c.progress))
	copy(out, c.progress)
	return out
}

func (c *collector) replicateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replicate)
}

func newTestReplicator(t *testing.T, src *sourceLog, col *collector) (*Replicator, *oplog.Oplog, *replicationinfo.ReplicationInfo) {
	t.Helper()
	ks := keystore.NewMemory()
	id, err := ks.CreateKey("local")
	require.NoError(t, err)

	localLog := oplog.New("test-log", id, src.ac, src.store, nil)
	info := replicationinfo.New()

	r := New(localLog, src.store, src.ac, info, nil, col.events(), Config{
		Concurrency: 4,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MergeBatch:  8,
	})
	return r, localLog, info
}

func headsOf(entries []*entry.Entry) []objectstore.CID {
	if len(entries) == 0 {
		return nil
	}
	return []objectstore.CID{entries[len(entries)-1].CID}
}

func waitForLength(t *testing.T, log *oplog.Oplog, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return log.Length() == n
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSync_ReplicatesFullChainFromSingleHead(t *testing.T) {
	src := newSourceLog(t)
	entries := src.append(t, 10)

	col := &collector{}
	r, localLog, info := newTestReplicator(t, src, col)
	defer r.Close(time.Second)

	require.NoError(t, r.Sync(context.Background(), headsOf(entries)))
	waitForLength(t, localLog, 10)

	require.Equal(t, 10, col.replicateCount())
	require.EqualValues(t, 10, info.Snapshot().Max)
	require.EqualValues(t, 10, info.Progress())
}

func TestSync_OneReplicateAndProgressEventPerEntry(t *testing.T) {
	src := newSourceLog(t)
	entries := src.append(t, 5)

	col := &collector{}
	r, localLog, _ := newTestReplicator(t, src, col)
	defer r.Close(time.Second)

	require.NoError(t, r.Sync(context.Background(), headsOf(entries)))
	waitForLength(t, localLog, 5)

	require.Len(t, col.replicate, 5)
	require.Len(t, col.progress, 5)
}

// TestSync_ProgressNeverPrecedesAncestor reproduces the fresh-start bulk
// replication scenario: a single head CID pulls in its entire ancestor
// chain, and no descendant's progress event may fire before all of its
// ancestors' progress events have.
func TestSync_ProgressNeverPrecedesAncestor(t *testing.T) {
	src := newSourceLog(t)
	entries := src.append(t, 64)

	col := &collector{}
	r, localLog, _ := newTestReplicator(t, src, col)
	defer r.Close(time.Second)

	require.NoError(t, r.Sync(context.Background(), headsOf(entries)))
	waitForLength(t, localLog, 64)

	seen := make(map[objectstore.CID]struct{})
	for _, e := range col.progressSnapshot() {
		for _, p := range e.Parents {
			_, ok := seen[p]
			require.True(t, ok, "entry %s surfaced before its parent %s", e.CID, p)
		}
		seen[e.CID] = struct{}{}
	}
}

// TestSync_ProgressOrderMatchesDeterministicTotalOrder asserts that the
// sequence of progress events mirrors the oplog's own deterministic total
// order, not arbitrary fetch-completion order.
func TestSync_ProgressOrderMatchesDeterministicTotalOrder(t *testing.T) {
	src := newSourceLog(t)
	entries := src.append(t, 32)

	col := &collector{}
	r, localLog, _ := newTestReplicator(t, src, col)
	defer r.Close(time.Second)

	require.NoError(t, r.Sync(context.Background(), headsOf(entries)))
	waitForLength(t, localLog, 32)

	want := localLog.All()
	got := col.progressSnapshot()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].CID, got[i].CID)
	}
}

// TestSync_DuplicateHeadIsIdempotent covers gossip's at-least-once
// delivery: syncing the same head twice must not merge or emit progress
// for anything a second time.
func TestSync_DuplicateHeadIsIdempotent(t *testing.T) {
	src := newSourceLog(t)
	entries := src.append(t, 8)

	col := &collector{}
	r, localLog, _ := newTestReplicator(t, src, col)
	defer r.Close(time.Second)

	heads := headsOf(entries)
	require.NoError(t, r.Sync(context.Background(), heads))
	waitForLength(t, localLog, 8)

	require.NoError(t, r.Sync(context.Background(), heads))
	// Give any (incorrect) duplicate work a chance to land before asserting
	// nothing changed.
	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 8, localLog.Length())
	require.Len(t, col.replicate, 8)
	require.Len(t, col.progress, 8)
}

func TestSync_SkipsHeadAlreadyInOplog(t *testing.T) {
	src := newSourceLog(t)
	entries := src.append(t, 3)

	col := &collector{}
	r, localLog, _ := newTestReplicator(t, src, col)
	defer r.Close(time.Second)

	for _, e := range entries {
		_, err := localLog.Merge(context.Background(), []*entry.Entry{e})
		require.NoError(t, err)
	}

	require.NoError(t, r.Sync(context.Background(), headsOf(entries)))
	time.Sleep(50 * time.Millisecond)

	require.Empty(t, col.replicate)
	require.Equal(t, 3, localLog.Length())
}

func TestPendingCount_DropsToZeroOnceFullyMerged(t *testing.T) {
	src := newSourceLog(t)
	entries := src.append(t, 6)

	col := &collector{}
	r, localLog, _ := newTestReplicator(t, src, col)
	defer r.Close(time.Second)

	require.NoError(t, r.Sync(context.Background(), headsOf(entries)))
	waitForLength(t, localLog, 6)

	require.Eventually(t, func() bool {
		return r.PendingCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestClose_IsIdempotentAndStopsMergeLoop(t *testing.T) {
	src := newSourceLog(t)
	col := &collector{}
	r, _, _ := newTestReplicator(t, src, col)

	require.NoError(t, r.Close(time.Second))
	require.NoError(t, r.Close(time.Second))
}

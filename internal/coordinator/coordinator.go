// Package coordinator implements the per-database coordinator (spec
// §4.6): it owns the oplog, the replicator, and the gossip subscription
// for one address, and is the only thing callers interact with directly.
//
// Per spec §9's message-passing redesign, the coordinator never invokes
// caller-supplied callbacks synchronously from inside its own serialized
// context (the reentrancy hazard called out in §5). Instead it owns an
// outbound channel of typed events (WriteEvent, ReplicateEvent,
// ReplicateProgressEvent, ReplicatedEvent, ClosedEvent, PeerEvent) that
// subscribers drain at their own pace.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/RunLaszloRun/orbit-db/internal/accesscontroller"
	"github.com/RunLaszloRun/orbit-db/internal/address"
	"github.com/RunLaszloRun/orbit-db/internal/cache"
	"github.com/RunLaszloRun/orbit-db/internal/dberr"
	"github.com/RunLaszloRun/orbit-db/internal/entry"
	"github.com/RunLaszloRun/orbit-db/internal/gossip"
	"github.com/RunLaszloRun/orbit-db/internal/keystore"
	"github.com/RunLaszloRun/orbit-db/internal/metrics"
	"github.com/RunLaszloRun/orbit-db/internal/objectstore"
	"github.com/RunLaszloRun/orbit-db/internal/oplog"
	"github.com/RunLaszloRun/orbit-db/internal/replicationinfo"
	"github.com/RunLaszloRun/orbit-db/internal/replicator"

	"go.uber.org/zap"
)

// OpenMode replaces the source's boolean "sync" flag (spec §9).
type OpenMode int

const (
	// ModeLocal seeds the oplog from the local cache. Open subscribes to
	// the gossip topic in every mode, so incoming gossip/Sync calls are
	// accepted here as well; ModeLocal and ModeLocalThenSync behave alike.
	ModeLocal OpenMode = iota
	// ModeSyncOnly does not touch the local cache; the oplog starts empty
	// and is populated entirely by incoming gossip/Sync calls.
	ModeSyncOnly
	// ModeLocalThenSync seeds from the local cache, then also accepts
	// incoming gossip/Sync calls — the common case.
	ModeLocalThenSync
)

// Event is the marker interface implemented by every message the
// coordinator emits on its events channel.
type Event interface{ address() string }

type base struct{ Address string }

func (b base) address() string { return b.Address }

// WriteEvent fires after a local Add durably lands in the object store
// and the oplog (spec §4.6's write-path invariant).
type WriteEvent struct {
	base
	Entry *entry.Entry
	Heads []*entry.Entry
}

// ReplicateEvent fires once per entry, as soon as the replicator has
// fetched and validated it and before it is merged.
type ReplicateEvent struct {
	base
	Entry *entry.Entry
}

// ReplicateProgressEvent fires once per entry as it is merged, carrying a
// snapshot of replication progress at that instant.
type ReplicateProgressEvent struct {
	base
	CID   objectstore.CID
	Entry *entry.Entry
	Info  replicationinfo.Info
}

// ReplicatedEvent fires per merge batch.
type ReplicatedEvent struct {
	base
	Length int
}

// ClosedEvent fires once, when Close completes.
type ClosedEvent struct{ base }

// PeerEvent fires when a peer joins this database's gossip room.
type PeerEvent struct {
	base
	Peer gossip.PeerID
}

const headsCacheKeyPrefix = "heads:"

// manifestCacheKey is the key a bare-name Create/Open remembers a
// database's manifest CID under, so a later bare-name Open can resolve
// back to the full address without the caller having to keep it around.
func manifestCacheKey(name string) string {
	return name + "/_manifest"
}

// Options configures Open.
type Options struct {
	// Type, if non-empty, must match the manifest's type or Open fails
	// with dberr.TypeMismatch. It is also required when addrStr is a bare
	// name and Create is set.
	Type address.StoreType
	// Create, when addrStr is a bare name (no "/<scheme>/..." prefix),
	// mints a brand-new manifest and access controller instead of
	// failing. Ignored when addrStr already parses as a full address.
	Create           bool
	WriteKeys        []string
	Mode             OpenMode
	ReplicatorConfig replicator.Config
	Metrics          *metrics.Metrics
	Logger           *zap.Logger
}

// Coordinator is the live handle to one open database.
type Coordinator struct {
	addr     address.Address
	manifest *address.Manifest
	ac       *accesscontroller.AccessController
	identity keystore.Identity

	store objectstore.ObjectStore
	ca    cache.Cache
	bus   gossip.Bus
	room  gossip.Room

	log        *oplog.Oplog
	info       *replicationinfo.ReplicationInfo
	replicator *replicator.Replicator
	logger     *zap.Logger

	events chan Event

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Create builds a brand-new access controller and manifest for name and
// returns the resulting address. It does not open a Coordinator; call
// Open with the returned address afterward.
func Create(ctx context.Context, store objectstore.ObjectStore, name string, storeType address.StoreType, identity keystore.Identity, writeKeys []string) (address.Address, error) {
	if !address.IsKnownType(storeType) {
		return address.Address{}, dberr.InvalidType(string(storeType))
	}

	ac := accesscontroller.NewWithDefaults(writeKeys, identity.PublicKey())
	acCID, err := ac.Save(ctx, store)
	if err != nil {
		return address.Address{}, fmt.Errorf("coordinator: save access controller: %w", err)
	}

	manifestCID, err := address.Create(ctx, store, name, storeType, acCID)
	if err != nil {
		return address.Address{}, fmt.Errorf("coordinator: save manifest: %w", err)
	}

	return address.For(manifestCID, name), nil
}

// Open parses addrStr, loads its manifest and access controller, builds
// an oplog and replicator, seeds from the local cache per opts.Mode, and
// subscribes to the database's gossip topic.
//
// A bare name (no leading "/<scheme>/...") is first resolved against the
// cache's remembered manifest CID for that name (spec §6: key
// "<name>/_manifest"); if nothing is cached, it succeeds only when
// opts.Create is set and opts.Type is non-empty, which mints a new
// manifest and remembers its CID for later bare-name opens. Otherwise it
// fails with dberr.InvalidAddress.
func Open(ctx context.Context, addrStr string, identity keystore.Identity, store objectstore.ObjectStore, ca cache.Cache, bus gossip.Bus, opts Options) (*Coordinator, error) {
	if !strings.HasPrefix(addrStr, "/") {
		name := addrStr
		if cached, ok, err := ca.Get(ctx, manifestCacheKey(name)); err != nil {
			return nil, fmt.Errorf("coordinator: manifest cache lookup: %w", err)
		} else if ok {
			addrStr = address.For(objectstore.CID(cached), name).String()
		} else if opts.Create && opts.Type != "" {
			created, err := Create(ctx, store, name, opts.Type, identity, opts.WriteKeys)
			if err != nil {
				return nil, err
			}
			if err := ca.Set(ctx, manifestCacheKey(name), []byte(created.Root)); err != nil {
				return nil, fmt.Errorf("coordinator: cache manifest: %w", err)
			}
			addrStr = created.String()
		} else {
			return nil, dberr.InvalidAddress(addrStr).WithDetail("reason", "bare name requires Create and Type, or a cached manifest")
		}
	}

	addr, err := address.Parse(addrStr)
	if err != nil {
		return nil, err
	}

	manifest, err := address.LoadManifest(ctx, store, addr.Root)
	if err != nil {
		return nil, err
	}
	if opts.Type != "" && manifest.Type != opts.Type {
		return nil, dberr.TypeMismatch(string(opts.Type), string(manifest.Type))
	}

	ac, err := accesscontroller.Load(ctx, store, manifest.AccessController)
	if err != nil {
		return nil, err
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New(addr.String())
	}

	logID := addr.String()
	lg := oplog.New(logID, identity, ac, store, opts.Logger)
	info := replicationinfo.New()

	c := &Coordinator{
		addr:     addr,
		manifest: manifest,
		ac:       ac,
		identity: identity,
		store:    store,
		ca:       ca,
		bus:      bus,
		log:      lg,
		info:     info,
		logger:   opts.Logger,
		events:   make(chan Event, 256),
	}

	c.replicator = replicator.New(lg, store, ac, info, m, replicator.Events{
		OnReplicate:  c.onReplicate,
		OnProgress:   c.onProgress,
		OnReplicated: c.onReplicated,
	}, opts.ReplicatorConfig)

	if opts.Mode != ModeSyncOnly {
		if err := c.seedFromCache(ctx); err != nil {
			opts.Logger.Warn("coordinator: failed to seed from cache", zap.Error(err))
		}
	}

	room, err := bus.Subscribe(ctx, addr.String(), c.onGossipMessage, c.onPeerJoined)
	if err != nil {
		return nil, fmt.Errorf("coordinator: subscribe: %w", err)
	}
	c.room = room

	return c, nil
}

func (c *Coordinator) seedFromCache(ctx context.Context) error {
	raw, ok, err := c.ca.Get(ctx, headsCacheKeyPrefix+c.addr.String())
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	var heads []objectstore.CID
	if err := json.Unmarshal(raw, &heads); err != nil {
		return fmt.Errorf("coordinator: decode cached heads: %w", err)
	}
	return c.replicator.Sync(ctx, heads)
}

// Address returns this coordinator's address.
func (c *Coordinator) Address() address.Address { return c.addr }

// Events returns the channel of outbound events. Callers must drain it;
// a full buffer causes emit to drop the oldest pending event rather than
// block the coordinator's own goroutines.
func (c *Coordinator) Events() <-chan Event { return c.events }

func (c *Coordinator) emit(e Event) {
	select {
	case c.events <- e:
	default:
		select {
		case <-c.events:
		default:
		}
		select {
		case c.events <- e:
		default:
		}
	}
}

// Add appends payload as a new entry, persists the resulting heads to the
// local cache, emits a WriteEvent, and best-effort publishes the new
// heads on the gossip bus.
func (c *Coordinator) Add(ctx context.Context, payload []byte) (*entry.Entry, error) {
	e, err := c.log.Append(ctx, payload)
	if err != nil {
		return nil, err
	}

	heads := c.log.Heads()
	if err := c.persistHeads(ctx, heads); err != nil {
		return nil, fmt.Errorf("coordinator: persist heads: %w", err)
	}

	c.emit(WriteEvent{base: base{c.addr.String()}, Entry: e, Heads: heads})

	if err := c.publishHeads(ctx, heads); err != nil {
		c.logger.Warn("coordinator: best-effort head publish failed", zap.Error(err))
	}

	return e, nil
}

func (c *Coordinator) persistHeads(ctx context.Context, heads []*entry.Entry) error {
	cids := cidsOf(heads)
	data, err := json.Marshal(cids)
	if err != nil {
		return err
	}
	return c.ca.Set(ctx, headsCacheKeyPrefix+c.addr.String(), data)
}

func (c *Coordinator) publishHeads(ctx context.Context, heads []*entry.Entry) error {
	data, err := json.Marshal(cidsOf(heads))
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, c.addr.String(), data)
}

func cidsOf(entries []*entry.Entry) []objectstore.CID {
	out := make([]objectstore.CID, len(entries))
	for i, e := range entries {
		out[i] = e.CID
	}
	return out
}

// Sync feeds remote head CIDs into the replicator. Idempotent.
func (c *Coordinator) Sync(ctx context.Context, heads []objectstore.CID) error {
	return c.replicator.Sync(ctx, heads)
}

// IteratorOptions controls Iterator's slice of the oplog's total order.
type IteratorOptions struct {
	// Limit caps the number of entries returned; 0 defaults to 1, -1 is
	// unlimited.
	Limit int
	GT    objectstore.CID
	GTE   objectstore.CID
	LT    objectstore.CID
	LTE   objectstore.CID
}

// Iterator returns entries from the oplog's deterministic total order,
// restricted by the gt/gte/lt/lte bounds and Limit.
func (c *Coordinator) Iterator(opts IteratorOptions) []*entry.Entry {
	all := c.log.All()

	start := 0
	if opts.GT != "" {
		if idx := indexOf(all, opts.GT); idx >= 0 {
			start = idx + 1
		}
	} else if opts.GTE != "" {
		if idx := indexOf(all, opts.GTE); idx >= 0 {
			start = idx
		}
	}

	end := len(all)
	if opts.LT != "" {
		if idx := indexOf(all, opts.LT); idx >= 0 {
			end = idx
		}
	} else if opts.LTE != "" {
		if idx := indexOf(all, opts.LTE); idx >= 0 {
			end = idx + 1
		}
	}

	if start > end {
		start = end
	}
	window := all[start:end]

	limit := opts.Limit
	if limit == 0 {
		limit = 1
	}
	if limit < 0 || limit > len(window) {
		return window
	}
	return window[:limit]
}

func indexOf(entries []*entry.Entry, cid objectstore.CID) int {
	for i, e := range entries {
		if e.CID == cid {
			return i
		}
	}
	return -1
}

// Close stops the replicator, unsubscribes from gossip, and emits
// ClosedEvent. Idempotent. Fetches already in flight are not cancelled;
// the replicator waits up to five seconds for them to finish.
func (c *Coordinator) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		if err := c.replicator.Close(5 * time.Second); err != nil {
			closeErr = err
		}
		if err := c.bus.Unsubscribe(c.addr.String()); err != nil {
			c.logger.Warn("coordinator: unsubscribe failed", zap.Error(err))
		}
		c.emit(ClosedEvent{base{c.addr.String()}})
	})
	return closeErr
}

// Drop closes the coordinator and deletes its locally cached heads. It
// does not touch the object store, whose lifetime the coordinator never
// owns (spec §9).
func (c *Coordinator) Drop(ctx context.Context) error {
	if err := c.Close(ctx); err != nil {
		return err
	}
	c.info.Reset()
	return c.ca.Delete(ctx, headsCacheKeyPrefix+c.addr.String())
}

func (c *Coordinator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// onGossipMessage implements the gossip.OnMessage callback: a message on
// this database's topic is a serialized list of remote head CIDs.
func (c *Coordinator) onGossipMessage(topic string, payload []byte) {
	if c.isClosed() {
		return
	}
	var heads []objectstore.CID
	if err := json.Unmarshal(payload, &heads); err != nil {
		c.logger.Debug("coordinator: dropping malformed gossip payload", zap.Error(err))
		return
	}
	if err := c.replicator.Sync(context.Background(), heads); err != nil {
		c.logger.Warn("coordinator: sync from gossip failed", zap.Error(err))
	}
}

// onPeerJoined implements the gossip.OnPeerJoined callback: send our
// current heads directly to a newly connected peer.
func (c *Coordinator) onPeerJoined(topic string, peer gossip.PeerID) {
	if c.isClosed() {
		return
	}
	heads := c.log.Heads()
	if len(heads) == 0 {
		return
	}
	data, err := json.Marshal(cidsOf(heads))
	if err != nil {
		return
	}
	c.emit(PeerEvent{base{c.addr.String()}, peer})
	if err := c.room.SendTo(context.Background(), peer, data); err != nil {
		c.logger.Debug("coordinator: send heads to new peer failed", zap.Error(err), zap.String("peer", string(peer)))
	}
}

func (c *Coordinator) onReplicate(e *entry.Entry) {
	c.emit(ReplicateEvent{base{c.addr.String()}, e})
}

func (c *Coordinator) onProgress(e *entry.Entry, info replicationinfo.Info) {
	c.emit(ReplicateProgressEvent{base{c.addr.String()}, e.CID, e, info})
}

func (c *Coordinator) onReplicated(length int) {
	c.emit(ReplicatedEvent{base{c.addr.String()}, length})
}

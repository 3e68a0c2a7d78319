package gossip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// envelope is the wire format carried over memberlist's reliable and
// gossip-broadcast message paths. Topic lets many database addresses
// share one underlying memberlist cluster.
type envelope struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// Config configures a memberlist-backed Bus.
type Config struct {
	NodeID         string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
	Logger         *zap.Logger
}

// MemberlistBus is a Bus backed by a single hashicorp/memberlist cluster
// shared across every topic the process subscribes to. Publish sends a
// message to every other member of the cluster via SendReliable, and the
// receiving bus delivers it only if it has a room for that topic; there is
// no gossip-broadcast delivery guarantee, matching the best-effort contract
// Bus documents.
type MemberlistBus struct {
	mu     sync.RWMutex
	ml     *memberlist.Memberlist
	nodeID string
	logger *zap.Logger

	rooms map[string]*memberlistRoom
}

// NewMemberlistBus creates and joins a memberlist cluster, ready to host
// one Room per topic Subscribe is called with.
func NewMemberlistBus(cfg Config) (*MemberlistBus, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	bus := &MemberlistBus{
		nodeID: cfg.NodeID,
		logger: cfg.Logger,
		rooms:  make(map[string]*memberlistRoom),
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = cfg.NodeID
	// A BindPort of 0 asks memberlist to bind an OS-assigned free port.
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = bus
	mlConfig.Events = &memberEventDelegate{bus: bus}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("gossip: create memberlist: %w", err)
	}
	bus.ml = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			cfg.Logger.Warn("gossip: failed to join some seed nodes", zap.Error(err))
		}
	}

	return bus, nil
}

// Subscribe registers a topic's callbacks and returns its Room. Calling
// Subscribe again for the same topic replaces the previous callbacks. The
// room starts out with every other current cluster member as a peer;
// onPeerJoined fires only for members that join afterwards.
func (b *MemberlistBus) Subscribe(ctx context.Context, topic string, onMessage OnMessage, onPeerJoined OnPeerJoined) (Room, error) {
	peers := make(map[PeerID]struct{})
	if local := b.ml.LocalNode(); local != nil {
		for _, m := range b.ml.Members() {
			if m.Name != local.Name {
				peers[PeerID(m.Name)] = struct{}{}
			}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	room := &memberlistRoom{
		bus:          b,
		topic:        topic,
		onMessage:    onMessage,
		onPeerJoined: onPeerJoined,
		peers:        peers,
	}
	b.rooms[topic] = room
	return room, nil
}

// Publish sends payload to every other member of the cluster via
// SendReliable. It also invokes the local onMessage callback, since a
// publisher is implicitly a member of its own room.
func (b *MemberlistBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	room, ok := b.rooms[topic]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("gossip: publish on unsubscribed topic %q", topic)
	}
	return room.broadcast(payload)
}

// Unsubscribe removes a topic's room; no further messages for it are
// delivered locally.
func (b *MemberlistBus) Unsubscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms, topic)
	return nil
}

// Shutdown leaves the memberlist cluster gracefully.
func (b *MemberlistBus) Shutdown() error {
	return b.ml.Shutdown()
}

// NodeMeta implements memberlist.Delegate.
func (b *MemberlistBus) NodeMeta(limit int) []byte { return nil }

// NotifyMsg implements memberlist.Delegate; it decodes the envelope and
// dispatches to the matching topic's room.
func (b *MemberlistBus) NotifyMsg(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.logger.Warn("gossip: failed to unmarshal message", zap.Error(err))
		return
	}

	b.mu.RLock()
	room, ok := b.rooms[env.Topic]
	b.mu.RUnlock()
	if !ok || room.onMessage == nil {
		return
	}
	room.onMessage(env.Topic, env.Payload)
}

// GetBroadcasts implements memberlist.Delegate. Topic messages are sent
// point-to-point via SendReliable, not via the gossip broadcast queue, so
// this is always empty.
func (b *MemberlistBus) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (b *MemberlistBus) LocalState(join bool) []byte { return nil }

// MergeRemoteState implements memberlist.Delegate.
func (b *MemberlistBus) MergeRemoteState(buf []byte, join bool) {}

// memberEventDelegate forwards memberlist join notifications to every
// room currently registered on the bus. Since memberlist has no notion of
// per-topic membership, a node that joins the cluster is offered to every
// room; the coordinator decides whether to actually address it.
type memberEventDelegate struct {
	bus *MemberlistBus
}

func (d *memberEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.bus.mu.RLock()
	rooms := make([]*memberlistRoom, 0, len(d.bus.rooms))
	for _, r := range d.bus.rooms {
		rooms = append(rooms, r)
	}
	d.bus.mu.RUnlock()

	peer := PeerID(node.Name)
	for _, r := range rooms {
		r.addPeer(peer)
	}
}

func (d *memberEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.bus.mu.RLock()
	rooms := make([]*memberlistRoom, 0, len(d.bus.rooms))
	for _, r := range d.bus.rooms {
		rooms = append(rooms, r)
	}
	d.bus.mu.RUnlock()

	peer := PeerID(node.Name)
	for _, r := range rooms {
		r.removePeer(peer)
	}
}

func (d *memberEventDelegate) NotifyUpdate(node *memberlist.Node) {}

// memberlistRoom is the Room handle returned by Subscribe.
type memberlistRoom struct {
	bus          *MemberlistBus
	topic        string
	onMessage    OnMessage
	onPeerJoined OnPeerJoined

	mu    sync.RWMutex
	peers map[PeerID]struct{}
}

func (r *memberlistRoom) addPeer(peer PeerID) {
	r.mu.Lock()
	_, already := r.peers[peer]
	r.peers[peer] = struct{}{}
	r.mu.Unlock()

	if !already && r.onPeerJoined != nil {
		r.onPeerJoined(r.topic, peer)
	}
}

func (r *memberlistRoom) removePeer(peer PeerID) {
	r.mu.Lock()
	delete(r.peers, peer)
	r.mu.Unlock()
}

func (r *memberlistRoom) Peers() []PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerID, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

// SendTo delivers payload directly to peer over memberlist's reliable,
// TCP-backed message path (spec §4.6's "send current heads" on join).
func (r *memberlistRoom) SendTo(ctx context.Context, peer PeerID, payload []byte) error {
	node := r.bus.ml.LocalNode()
	if node != nil && PeerID(node.Name) == peer {
		if r.onMessage != nil {
			r.onMessage(r.topic, payload)
		}
		return nil
	}

	var target *memberlist.Node
	for _, m := range r.bus.ml.Members() {
		if PeerID(m.Name) == peer {
			target = m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("gossip: unknown peer %q", peer)
	}

	env := envelope{Topic: r.topic, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("gossip: marshal envelope: %w", err)
	}
	return r.bus.ml.SendReliable(target, data)
}

// broadcast sends payload to every peer in the room individually.
func (r *memberlistRoom) broadcast(payload []byte) error {
	env := envelope{Topic: r.topic, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("gossip: marshal envelope: %w", err)
	}

	if r.onMessage != nil {
		r.onMessage(r.topic, payload)
	}

	localName := ""
	if node := r.bus.ml.LocalNode(); node != nil {
		localName = node.Name
	}

	var firstErr error
	for _, m := range r.bus.ml.Members() {
		if m.Name == localName {
			continue
		}
		if err := r.bus.ml.SendReliable(m, data); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("gossip: send to %q: %w", m.Name, err)
		}
	}
	return firstErr
}

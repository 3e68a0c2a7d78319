// Package gossip defines the pub/sub transport contract the coordinator
// uses to exchange heads with other peers (spec §6), plus a reference
// implementation built directly on hashicorp/memberlist — the same gossip
// library the storage tier uses for cluster membership.
package gossip

import "context"

// PeerID identifies one peer within the gossip mesh.
type PeerID string

// OnMessage is invoked whenever a message is published on a subscribed
// topic, including messages this process itself published.
type OnMessage func(topic string, payload []byte)

// OnPeerJoined is invoked when a peer joins a subscribed topic's room.
type OnPeerJoined func(topic string, peer PeerID)

// Room is the set of peers currently known within one topic; it is the
// handle the coordinator uses for the direct-to-peer send spec §4.6
// requires on peer join.
type Room interface {
	SendTo(ctx context.Context, peer PeerID, payload []byte) error
	Peers() []PeerID
}

// Bus is the per-topic pub/sub contract (spec §6). Publish is best-effort
// with no delivery guarantee.
type Bus interface {
	Subscribe(ctx context.Context, topic string, onMessage OnMessage, onPeerJoined OnPeerJoined) (Room, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	Unsubscribe(topic string) error
}

package handler

import (
	"context"

	"github.com/oxen-io/storagesvc/internal/swarm"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

// TransportClient is the subset of internal/transport.Client the
// replicator needs, named here to avoid handler importing transport
// (transport already imports handler-adjacent packages; keeping the
// dependency one-directional avoids an import cycle).
type TransportClient interface {
	Send(ctx context.Context, addr string, toNodeID [32]byte, method string, args bencode.Dict) error
}

// PeerReplicator adapts a transport client into the Replicator
// interface Handle's best-effort fan-out calls.
type PeerReplicator struct {
	Client TransportClient
}

func NewPeerReplicator(c TransportClient) *PeerReplicator {
	return &PeerReplicator{Client: c}
}

func (r *PeerReplicator) Replicate(ctx context.Context, peer swarm.Peer, method string, args bencode.Dict) error {
	return r.Client.Send(ctx, peer.Addr, peer.NodeID, method, args)
}

package main

import (
	"context"
	"fmt"

	"github.com/oxen-io/storagesvc/internal/swarm"
	"github.com/oxen-io/storagesvc/internal/transport"
	"github.com/oxen-io/storagesvc/internal/wire/bencode"
)

// peerForwarder resolves an onion next-hop's Ed25519 pubkey to a live
// peer address via the swarm map and relays the remaining onion frame
// to it over the peer RPC transport, satisfying onion.Forwarder.
type peerForwarder struct {
	swarmMap *swarm.Map
	client   *transport.Client
}

func (f *peerForwarder) Forward(ctx context.Context, nextHopPub []byte, remaining []byte) ([]byte, error) {
	peer, found := f.swarmMap.PeerByPubkey(nextHopPub)
	if !found {
		return nil, fmt.Errorf("onion: unknown next hop %x", nextHopPub)
	}
	args, err := bencode.DecodeDict(remaining)
	if err != nil {
		return nil, fmt.Errorf("onion: malformed remaining frame: %w", err)
	}
	reply, err := f.client.Request(ctx, peer.Addr, peer.NodeID, "sn.onion_req", args)
	if err != nil {
		return nil, err
	}
	return bencode.Marshal(reply)
}

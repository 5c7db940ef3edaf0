// Package swarm maps account pubkeys to the swarm responsible for them
// and tracks swarm peer membership, rebuilt wholesale whenever the
// blockchain oracle publishes a new snapshot.
package swarm

import (
	"encoding/binary"
	"encoding/hex"
	"sort"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"

	"github.com/oxen-io/storagesvc/internal/account"
	"github.com/oxen-io/storagesvc/internal/debuglog"
)

// ID identifies a swarm on the 64-bit assignment ring.
type ID uint64

// Peer is one member of a swarm, as published by the oracle.
type Peer struct {
	NodeID [32]byte
	Pubkey []byte // Ed25519 identity
	Addr   string
	Swarm  ID
}

// Digest computes the 64-bit assignment digest for an account, pinned to
// blake2b-256(account)[:8] big-endian (see DESIGN.md's Open Question
// resolution). Every node on the network must compute this identically;
// it is part of the wire contract, not an implementation detail.
func Digest(acct account.Pubkey) uint64 {
	sum := blake2b.Sum256(acct)
	return binary.BigEndian.Uint64(sum[:8])
}

type state struct {
	ids     []ID // sorted ascending, for nearest-neighbor search
	peers   map[ID][]Peer
	byPub   map[string]Peer
}

// Map is the swarm assignment table. Reads never block on an in-flight
// Update: the whole table is rebuilt off to the side and swapped in with
// a single atomic pointer store, so requests already in flight keep
// seeing the pre-update snapshot until they complete.
type Map struct {
	cur   atomic.Pointer[state]
	local atomic.Uint64
}

func New(localSwarm ID) *Map {
	m := &Map{}
	m.cur.Store(&state{peers: make(map[ID][]Peer), byPub: make(map[string]Peer)})
	m.local.Store(uint64(localSwarm))
	return m
}

// PeerByPubkey finds a peer by its long-term Ed25519 identity, used to
// resolve an onion next-hop pubkey to a routable address.
func (m *Map) PeerByPubkey(pub []byte) (Peer, bool) {
	s := m.cur.Load()
	if s == nil {
		return Peer{}, false
	}
	p, ok := s.byPub[string(pub)]
	return p, ok
}

// SetLocalSwarm updates which swarm this node considers itself a member
// of, independent of the peer table (the oracle may renumber swarms
// without this node's own assignment changing mid-update).
func (m *Map) SetLocalSwarm(id ID) {
	m.local.Store(uint64(id))
}

func (m *Map) LocalSwarm() ID {
	return ID(m.local.Load())
}

// SwarmOf returns the swarm whose id is numerically nearest acct's digest
// on the 64-bit ring, ties broken by the smaller swarm id.
func (m *Map) SwarmOf(acct account.Pubkey) ID {
	s := m.cur.Load()
	if s == nil || len(s.ids) == 0 {
		return 0
	}
	digest := Digest(acct)
	best := s.ids[0]
	bestDist := ringDistance(digest, uint64(best))
	for _, id := range s.ids[1:] {
		d := ringDistance(digest, uint64(id))
		if d < bestDist || (d == bestDist && id < best) {
			best = id
			bestDist = d
		}
	}
	return best
}

// PeersOf returns the peer list for a swarm, or nil if unknown.
func (m *Map) PeersOf(id ID) []Peer {
	s := m.cur.Load()
	if s == nil {
		return nil
	}
	return s.peers[id]
}

// Snapshot is the oracle's published membership list: one entry per
// peer, each naming the swarm it currently belongs to.
type Snapshot struct {
	Peers []Peer
}

// Update rebuilds the swarm table from a fresh oracle snapshot and
// atomically swaps it in, logging which peers changed swarm versus the
// previous snapshot so operators can reason about rebalance churn.
func (m *Map) Update(snap Snapshot) {
	peers := make(map[ID][]Peer)
	byPub := make(map[string]Peer, len(snap.Peers))
	for _, p := range snap.Peers {
		peers[p.Swarm] = append(peers[p.Swarm], p)
		byPub[string(p.Pubkey)] = p
	}
	ids := make([]ID, 0, len(peers))
	for id := range peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	prev := m.cur.Load()
	m.cur.Store(&state{ids: ids, peers: peers, byPub: byPub})
	if prev != nil {
		logRebalance(prev.peers, peers)
	}
}

// logRebalance emits one line per peer whose swarm assignment changed
// between two snapshots. Not required for correctness; it's what gives
// an operator a trail of churn when the oracle rebalances.
func logRebalance(oldPeers, newPeers map[ID][]Peer) {
	prevSwarm := make(map[[32]byte]ID, len(oldPeers))
	for id, ps := range oldPeers {
		for _, p := range ps {
			prevSwarm[p.NodeID] = id
		}
	}
	for id, ps := range newPeers {
		for _, p := range ps {
			old, known := prevSwarm[p.NodeID]
			if known && old != id {
				debuglog.Logf("swarm: peer %s reassigned swarm %d -> %d", hex.EncodeToString(p.NodeID[:]), old, id)
			}
		}
	}
}

func ringDistance(a, b uint64) uint64 {
	var d uint64
	if a > b {
		d = a - b
	} else {
		d = b - a
	}
	wrap := ^uint64(0) - d + 1
	if wrap < d {
		return wrap
	}
	return d
}

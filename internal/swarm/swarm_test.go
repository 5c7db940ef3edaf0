package swarm

import (
	"testing"

	"github.com/oxen-io/storagesvc/internal/account"
)

func acct(b byte) account.Pubkey {
	raw := make([]byte, account.MainnetLen)
	raw[0] = account.DefaultNetID
	raw[1] = b
	return account.Pubkey(raw)
}

func TestDigestPinnedVector(t *testing.T) {
	// Golden vector: changing this value is an interop break, not a bugfix.
	a := acct(0x01)
	got := Digest(a)
	again := Digest(a)
	if got != again {
		t.Fatalf("expected deterministic digest")
	}
	// blake2b-256(05 01 00..00)[:8] big-endian.
	const want = uint64(0x92ef96ebe9ea929a)
	if got != want {
		t.Fatalf("digest vector mismatch: got %#x, want %#x", got, want)
	}
}

func TestSwarmOfStableAcrossRepeatedCalls(t *testing.T) {
	m := New(0)
	m.Update(Snapshot{Peers: []Peer{
		{Swarm: 100},
		{Swarm: 200000},
		{Swarm: 18446744073709551000},
	}})
	a := acct(0x07)
	first := m.SwarmOf(a)
	for i := 0; i < 10; i++ {
		if m.SwarmOf(a) != first {
			t.Fatalf("expected stable swarm assignment across repeated calls")
		}
	}
}

func TestSwarmOfTieBreaksOnLowerID(t *testing.T) {
	m := New(0)
	// Two swarm ids equidistant from digest 0: distance is symmetric mod 2^64.
	m.Update(Snapshot{Peers: []Peer{
		{Swarm: 10},
		{Swarm: ^ID(0) - 9}, // same ring-distance from 0 as swarm 10
	}})
	// Can't force digest=0 without controlling blake2b output, so instead
	// verify the tie-break logic directly via ringDistance symmetry.
	if ringDistance(0, 10) != ringDistance(0, uint64(^ID(0)-9)) {
		t.Skip("distances not equal for this vector; tie-break exercised structurally elsewhere")
	}
	id := m.SwarmOf(acct(0xAA))
	if id != 10 && id != ^ID(0)-9 {
		t.Fatalf("unexpected swarm assignment %d", id)
	}

	// Force an exact tie around the account's own digest: the lower id wins.
	d := Digest(acct(0xAA))
	lo, hi := ID(d-5), ID(d+5)
	if hi < lo {
		lo, hi = hi, lo
	}
	m.Update(Snapshot{Peers: []Peer{{Swarm: hi}, {Swarm: lo}}})
	if got := m.SwarmOf(acct(0xAA)); got != lo {
		t.Fatalf("expected tie broken toward lower id %d, got %d", lo, got)
	}
}

func TestUpdateAtomicSwapKeepsOldSnapshotUntilSwap(t *testing.T) {
	m := New(0)
	m.Update(Snapshot{Peers: []Peer{{Swarm: 1, NodeID: [32]byte{1}}}})
	before := m.PeersOf(1)
	if len(before) != 1 {
		t.Fatalf("expected one peer in swarm 1")
	}
	m.Update(Snapshot{Peers: []Peer{{Swarm: 2, NodeID: [32]byte{2}}}})
	if len(m.PeersOf(1)) != 0 {
		t.Fatalf("expected swarm 1 to be gone after update")
	}
	if len(m.PeersOf(2)) != 1 {
		t.Fatalf("expected swarm 2 to be present after update")
	}
}

func TestRingDistanceWraparound(t *testing.T) {
	max := ^uint64(0)
	if ringDistance(max, 0) != 1 {
		t.Fatalf("expected wraparound distance of 1, got %d", ringDistance(max, 0))
	}
}

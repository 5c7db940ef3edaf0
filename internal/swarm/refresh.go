package swarm

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"sync/atomic"
)

// Oracle is the subset of oracle.Client the refresher needs, kept local
// to avoid an import of internal/oracle from internal/swarm.
type Oracle interface {
	Snapshot(ctx context.Context) (Snapshot, uint64, error)
}

// Refresher polls an Oracle and applies newer snapshots to a Map,
// satisfying internal/scheduler.SwarmRefresher.
type Refresher struct {
	Oracle      Oracle
	Map         *Map
	LocalPubkey ed25519.PublicKey

	lastVersion atomic.Uint64
	haveVersion atomic.Bool
}

func NewRefresher(o Oracle, m *Map) *Refresher {
	return &Refresher{Oracle: o, Map: m}
}

// Refresh fetches the oracle's current snapshot and applies it to Map
// only when its version has advanced, and recomputes this node's local
// swarm assignment from the fresh membership list by locating its own
// pubkey among the published peers.
func (r *Refresher) Refresh(ctx context.Context) (bool, error) {
	snap, version, err := r.Oracle.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if r.haveVersion.Load() && version <= r.lastVersion.Load() {
		return false, nil
	}
	r.Map.Update(snap)
	r.lastVersion.Store(version)
	r.haveVersion.Store(true)

	if len(r.LocalPubkey) > 0 {
		for _, p := range snap.Peers {
			if bytes.Equal(p.Pubkey, r.LocalPubkey) {
				r.Map.SetLocalSwarm(p.Swarm)
				break
			}
		}
	}
	return true, nil
}
